package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blemidi",
	Short: "Bridge local MIDI ports over Bluetooth LE MIDI",
	Long: `Bridges a local MIDI endpoint and the Bluetooth LE MIDI service.

- central: connect to a BLE-MIDI peripheral (keyboard, synth, controller)
  and forward local MIDI events to it
- peripheral: advertise this host as a BLE-MIDI instrument so that phones,
  tablets and DAWs can connect to it
- scan: list nearby BLE-MIDI peripherals
- ports: list local MIDI ports

The local endpoint is either a system MIDI port (rtmidi) or a virtual serial
port (PTY) carrying raw MIDI bytes.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(centralCmd)
	rootCmd.AddCommand(peripheralCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(portsCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Shorthand for --log-level=debug")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML configuration file")

	rootCmd.SetVersionTemplate(fmt.Sprintf("blemidi %s (commit %s, built %s)\n", formatVersion(version), commit, date))
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
