package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blemidi/internal/source"
	"github.com/srg/blemidi/internal/source/midiport/rtmidi"
	"github.com/srg/blemidi/internal/source/ptymidi"
	"github.com/srg/blemidi/pkg/config"
)

// sourceFactory builds the local MIDI endpoint.
// This is a variable so that it can be overridden in tests.
var sourceFactory = func(cfg config.SourceConfig, logger *logrus.Logger) (source.Source, error) {
	switch cfg.Kind {
	case source.KindMIDIPort:
		return rtmidi.NewPort(logger), nil
	case source.KindPTY:
		return ptymidi.New(ptymidi.Options{Symlink: cfg.Symlink, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown MIDI source kind %q (expected %s or %s)", cfg.Kind, source.KindMIDIPort, source.KindPTY)
	}
}

// sourceFlags are shared by the bridge commands.
type sourceFlags struct {
	kind    string
	port    string
	output  string
	symlink string
	queue   int
}

func (f *sourceFlags) register(fs *pflag.FlagSet, withOutput bool) {
	def := config.Default()
	fs.StringVar(&f.kind, "source", def.Source.Kind, "Local MIDI endpoint (midiport, pty)")
	fs.StringVarP(&f.port, "port", "p", "", "MIDI input port name, or PTY symlink path (default: first port)")
	fs.StringVar(&f.symlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/blemidi)")
	fs.IntVar(&f.queue, "queue", def.QueueCapacity, "Outbound event queue capacity")
	if withOutput {
		fs.StringVar(&f.output, "output", "", "MIDI output port for events received from centrals (midiport only)")
	}
}

func (f *sourceFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("source") {
		cfg.Source.Kind = f.kind
	}
	if fs.Changed("port") {
		cfg.Source.Port = f.port
	}
	if fs.Changed("symlink") {
		cfg.Source.Symlink = f.symlink
	}
	if fs.Changed("output") {
		cfg.Source.Output = f.output
	}
	if fs.Changed("queue") {
		cfg.QueueCapacity = f.queue
	}
}

// loadConfig returns the --config file contents, or the defaults when the
// flag is empty. fromFile reports whether a file was read.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, fromFile bool, err error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), false, nil
	}
	cfg, err = config.Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext(logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// closeResource closes c when it is an io.Closer and logs failures.
func closeResource(what string, c any, logger *logrus.Logger) {
	closer, ok := c.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.WithError(err).Warnf("Failed to close %s", what)
	}
}
