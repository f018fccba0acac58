package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blemidi/bridge"
	"github.com/srg/blemidi/internal/central"
	"github.com/srg/blemidi/internal/devicefactory"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/pkg/config"
)

// centralCmd represents the central command
var centralCmd = &cobra.Command{
	Use:   "central [peripheral-name]",
	Short: "Forward a local MIDI port to a BLE-MIDI peripheral",
	Long: `Scans for a BLE-MIDI peripheral whose advertised name matches, connects to it
and forwards every event received on the local MIDI endpoint as a BLE-MIDI
packet.

The peripheral name may come from the argument or from central.target_name
in the config file. Matching is a case-sensitive substring by default; see
--match and --ignore-case.

Example:
  blemidi central "Stage Piano"
  blemidi central --match=exact --ignore-case "stage piano" --port "USB Keyboard"
  blemidi central --source=pty --symlink=/tmp/blemidi Piano`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCentral,
}

var (
	centralBackend         string
	centralMatch           string
	centralIgnoreCase      bool
	centralServiceUUID     string
	centralCharUUID        string
	centralDiscoveryWindow time.Duration
	centralConnectTimeout  time.Duration
	centralSource          sourceFlags
)

func init() {
	def := config.Default()
	fs := centralCmd.Flags()
	fs.StringVar(&centralBackend, "backend", def.Central.Backend, "BLE backend (goble, tinygo)")
	fs.StringVar(&centralMatch, "match", def.Central.Match, "Name match mode (substring, exact, prefix)")
	fs.BoolVar(&centralIgnoreCase, "ignore-case", false, "Match the peripheral name case-insensitively")
	fs.StringVar(&centralServiceUUID, "service", "", "Require this advertised service UUID")
	fs.StringVar(&centralCharUUID, "characteristic", def.Central.CharacteristicUUID, "MIDI characteristic UUID")
	fs.DurationVar(&centralDiscoveryWindow, "discovery-window", def.Central.DiscoveryWindow, "How long to scan before giving up")
	fs.DurationVar(&centralConnectTimeout, "connect-timeout", def.Central.ConnectTimeout, "Connection timeout")
	centralSource.register(fs, false)
}

// centralConfig merges the config file, the positional argument and the
// changed flags.
func centralConfig(cmd *cobra.Command, cfg *config.Config, args []string) *config.Config {
	cfg.Role = string(bridge.RoleCentral)
	if len(args) == 1 {
		cfg.Central.TargetName = args[0]
	}

	fs := cmd.Flags()
	if fs.Changed("backend") {
		cfg.Central.Backend = centralBackend
	}
	if fs.Changed("match") {
		cfg.Central.Match = centralMatch
	}
	if fs.Changed("ignore-case") {
		cfg.Central.IgnoreCase = centralIgnoreCase
	}
	if fs.Changed("service") {
		cfg.Central.ServiceUUID = centralServiceUUID
	}
	if fs.Changed("characteristic") {
		cfg.Central.CharacteristicUUID = centralCharUUID
	}
	if fs.Changed("discovery-window") {
		cfg.Central.DiscoveryWindow = centralDiscoveryWindow
	}
	if fs.Changed("connect-timeout") {
		cfg.Central.ConnectTimeout = centralConnectTimeout
	}
	centralSource.apply(fs, cfg)
	return cfg
}

// centralOptions converts a validated config into router options.
func centralOptions(cfg *config.Config) (central.Options, error) {
	mode, err := central.ParseMatchMode(cfg.Central.Match)
	if err != nil {
		return central.Options{}, err
	}
	opts := central.Options{
		TargetName:         cfg.Central.TargetName,
		Match:              central.NameMatcher{Mode: mode, IgnoreCase: cfg.Central.IgnoreCase},
		CharacteristicUUID: cfg.Central.CharacteristicUUID,
		DiscoveryWindow:    cfg.Central.DiscoveryWindow,
		ConnectTimeout:     cfg.Central.ConnectTimeout,
	}
	if cfg.Central.ServiceUUID != "" {
		if _, err := gatt.ValidateUUID(cfg.Central.ServiceUUID); err != nil {
			return central.Options{}, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUID = cfg.Central.ServiceUUID
	}
	if _, err := gatt.ValidateUUID(cfg.Central.CharacteristicUUID); err != nil {
		return central.Options{}, fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	return opts, nil
}

func runCentral(cmd *cobra.Command, args []string) error {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg = centralConfig(cmd, cfg, args)
	if err := cfg.Validate(); err != nil {
		return err
	}
	copts, err := centralOptions(cfg)
	if err != nil {
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

	stack, err := devicefactory.StackFactory(cfg.Central.Backend, logger)
	if err != nil {
		return err
	}
	defer closeResource("BLE stack", stack, logger)

	progress := NewProgressPrinter(fmt.Sprintf("Bridging to %q", cfg.Central.TargetName), "Opening source",
		"Ready", "Failed", "Finished", "Stopping")
	progress.Start()
	defer progress.Stop()

	return bridge.Run(ctx, &bridge.Options{
		Role:          bridge.RoleCentral,
		Source:        src,
		Port:          cfg.Source.Port,
		QueueCapacity: cfg.QueueCapacity,
		Central:       copts,
		Stack:         stack,
		Logger:        logger,
	}, progress.Callback())
}
