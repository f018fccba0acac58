package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemidi/bridge"
	"github.com/srg/blemidi/internal/devicefactory"
	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/peripheral"
	"github.com/srg/blemidi/internal/source"
	"github.com/srg/blemidi/pkg/config"
)

// peripheralCmd represents the peripheral command
var peripheralCmd = &cobra.Command{
	Use:   "peripheral",
	Short: "Advertise this host as a BLE-MIDI instrument",
	Long: `Publishes the BLE-MIDI GATT service, advertises it under a local name and
notifies every subscribed central with the events received on the local MIDI
endpoint. Packets written by centrals are decoded and delivered to the
endpoint: the PTY, or the --output port for a system MIDI source.

Example:
  blemidi peripheral --name "Studio Bridge" --port "USB Keyboard" --output "Synth"
  blemidi peripheral --source=pty --symlink=/tmp/blemidi`,
	Args: cobra.NoArgs,
	RunE: runPeripheral,
}

var (
	peripheralName            string
	peripheralPowerOnTimeout  time.Duration
	peripheralResponseTimeout time.Duration
	peripheralInboundBuffer   uint32
	peripheralSource          sourceFlags
)

func init() {
	def := config.Default()
	fs := peripheralCmd.Flags()
	fs.StringVarP(&peripheralName, "name", "n", def.Peripheral.Name, "Advertised local name")
	fs.DurationVar(&peripheralPowerOnTimeout, "power-on-timeout", def.Peripheral.PowerOnTimeout, "How long to wait for the adapter to power on")
	fs.DurationVar(&peripheralResponseTimeout, "response-timeout", def.Peripheral.ResponseTimeout, "How long an ATT request waits for an answer")
	fs.Uint32Var(&peripheralInboundBuffer, "inbound-buffer", def.Peripheral.InboundBuffer, "Events buffered between centrals and the MIDI output")
	peripheralSource.register(fs, true)
}

func peripheralConfig(cmd *cobra.Command, cfg *config.Config) *config.Config {
	cfg.Role = string(bridge.RolePeripheral)

	fs := cmd.Flags()
	if fs.Changed("name") {
		cfg.Peripheral.Name = peripheralName
	}
	if fs.Changed("power-on-timeout") {
		cfg.Peripheral.PowerOnTimeout = peripheralPowerOnTimeout
	}
	if fs.Changed("response-timeout") {
		cfg.Peripheral.ResponseTimeout = peripheralResponseTimeout
	}
	if fs.Changed("inbound-buffer") {
		cfg.Peripheral.InboundBuffer = peripheralInboundBuffer
	}
	peripheralSource.apply(fs, cfg)
	return cfg
}

type outputOpener interface {
	OpenOutput(name string) error
}

// peripheralSink picks where events written by centrals go. A nil sink
// lets the router fall back to the source itself.
func peripheralSink(cfg *config.Config, src source.Source, logger *logrus.Logger) (source.Sink, error) {
	if cfg.Source.Kind != source.KindMIDIPort {
		return nil, nil
	}
	opener, ok := src.(outputOpener)
	if cfg.Source.Output == "" || !ok {
		return source.SinkFunc(func(ev packet.RawEvent) error {
			logger.WithField("event", packet.Describe(ev)).Debug("No MIDI output configured, dropping inbound event")
			return nil
		}), nil
	}
	sink, ok := src.(source.Sink)
	if !ok {
		return nil, fmt.Errorf("MIDI source %q cannot deliver to output %q", cfg.Source.Kind, cfg.Source.Output)
	}
	if err := opener.OpenOutput(cfg.Source.Output); err != nil {
		return nil, err
	}
	return sink, nil
}

func runPeripheral(cmd *cobra.Command, args []string) error {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg = peripheralConfig(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(logger)
	defer cancel()

	src, err := sourceFactory(cfg.Source, logger)
	if err != nil {
		return err
	}
	defer closeResource("MIDI source", src, logger)

	sink, err := peripheralSink(cfg, src, logger)
	if err != nil {
		return err
	}

	stack, err := devicefactory.PeripheralFactory(logger, cfg.Peripheral.ResponseTimeout)
	if err != nil {
		return fmt.Errorf("failed to create peripheral BLE stack: %w", err)
	}
	defer closeResource("BLE stack", stack, logger)

	progress := NewProgressPrinter(fmt.Sprintf("Advertising as %q", cfg.Peripheral.Name), "Opening source",
		"Advertising", "Failed", "Finished", "Stopping")
	progress.Start()
	defer progress.Stop()

	return bridge.Run(ctx, &bridge.Options{
		Role:          bridge.RolePeripheral,
		Source:        src,
		Port:          cfg.Source.Port,
		Sink:          sink,
		QueueCapacity: cfg.QueueCapacity,
		Peripheral: bridge.PeripheralOptions{
			Name: cfg.Peripheral.Name,
			Options: peripheral.Options{
				PowerOnTimeout: cfg.Peripheral.PowerOnTimeout,
				InboundBuffer:  cfg.Peripheral.InboundBuffer,
			},
		},
		PeripheralStack: stack,
		Logger:          logger,
	}, progress.Callback())
}
