package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blemidi/internal/source"
)

// portsCmd represents the ports command
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List local MIDI ports",
	Long: `Lists the MIDI input ports accepted by --port and, for system MIDI, the
output ports accepted by --output.`,
	Args: cobra.NoArgs,
	RunE: runPorts,
}

var portsSource string

func init() {
	portsCmd.Flags().StringVar(&portsSource, "source", source.KindMIDIPort, "Local MIDI endpoint (midiport, pty)")
}

type outputLister interface {
	OutPorts() ([]string, error)
}

func runPorts(cmd *cobra.Command, args []string) error {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !fromFile || cmd.Flags().Changed("source") {
		cfg.Source.Kind = portsSource
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	src, err := sourceFactory(cfg.Source, logger)
	if err != nil {
		return err
	}
	defer closeResource("MIDI source", src, logger)

	if !src.Available() {
		return fmt.Errorf("failed to list MIDI ports: %w", source.ErrUnavailable)
	}

	out := cmd.OutOrStdout()
	ins, err := src.Ports()
	if err != nil {
		return err
	}
	printPortList(cmd, "Inputs", ins)

	if lister, ok := src.(outputLister); ok {
		outs, err := lister.OutPorts()
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		printPortList(cmd, "Outputs", outs)
	}
	return nil
}

func printPortList(cmd *cobra.Command, title string, names []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, infoStatus.Sprint(title+":"))
	if len(names) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for i, name := range names {
		fmt.Fprintf(out, "  %d: %s\n", i, name)
	}
}
