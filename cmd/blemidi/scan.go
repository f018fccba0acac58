package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/devicefactory"
	"github.com/srg/blemidi/internal/gatt"
	"github.com/srg/blemidi/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE-MIDI peripherals",
	Long: `Scan for Bluetooth LE MIDI peripherals in the vicinity and list their names,
addresses and signal strength. Use the listed name with "blemidi central".

By default only peripherals advertising the BLE-MIDI service are shown; --all
lists every advertiser.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanAll        bool
	scanNamePrefix string
	scanAllowList  []string
	scanBlockList  []string
	scanBackend    string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Show all advertisers, not only BLE-MIDI peripherals")
	scanCmd.Flags().StringVar(&scanNamePrefix, "name-prefix", "", "Only show devices whose name starts with this prefix")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().StringVar(&scanBackend, "backend", devicefactory.BackendGoBLE, "BLE backend (goble, tinygo)")
}

func runScan(cmd *cobra.Command, args []string) error {
	switch scanFormat {
	case "table", "json":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("scan duration must be positive, got %s", scanDuration)
	}

	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg, fromFile)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	backend := scanBackend
	if fromFile && !cmd.Flags().Changed("backend") {
		backend = cfg.Central.Backend
	}
	stack, err := devicefactory.StackFactory(backend, logger)
	if err != nil {
		return err
	}
	defer closeResource("BLE stack", stack, logger)

	ctx, cancel := signalContext(logger)
	defer cancel()

	adapters, err := stack.Adapters(ctx)
	if err != nil {
		return blemidi.Wrap(blemidi.AdapterUnavailable, err, "failed to enumerate BLE adapters")
	}
	if len(adapters) == 0 {
		return blemidi.Errorf(blemidi.AdapterUnavailable, "no BLE adapter found")
	}

	opts := &scanner.ScanOptions{
		Duration:   scanDuration,
		AllowList:  scanAllowList,
		BlockList:  scanBlockList,
		NamePrefix: scanNamePrefix,
	}
	if !scanAll {
		opts.ServiceUUIDs = []string{blemidi.MIDIServiceUUID}
	}

	progress := NewCountdownProgressPrinter("Scanning for BLE-MIDI devices", "Scanning", scanDuration, "Processing results")
	progress.Start()
	found, err := scanner.NewScanner(logger).Scan(ctx, adapters[0], opts, progress.Callback())
	progress.Stop()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	if scanFormat == "json" {
		return displayPeripheralsJSON(cmd.OutOrStdout(), found)
	}
	return displayPeripheralsTable(cmd.OutOrStdout(), found)
}

type peripheralView struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	RSSI     int      `json:"rssi"`
	MIDI     bool     `json:"midi"`
	Services []string `json:"services"`
	LastSeen string   `json:"last_seen"`
}

func viewOf(p scanner.Peripheral) peripheralView {
	services := make([]string, 0, len(p.Services))
	for _, s := range p.Services {
		services = append(services, gatt.FormatUUID(s))
	}
	return peripheralView{
		Name:     p.Name,
		Address:  p.Address,
		RSSI:     p.RSSI,
		MIDI:     p.HasService(blemidi.MIDIServiceUUID),
		Services: services,
		LastSeen: p.LastSeen.Format(time.RFC3339),
	}
}

func displayPeripheralsTable(w io.Writer, found []scanner.Peripheral) error {
	if len(found) == 0 {
		fmt.Fprintln(w, "No devices discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tMIDI\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 72))

	for _, p := range found {
		name := p.DisplayName()
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		midi := "-"
		if p.HasService(blemidi.MIDIServiceUUID) {
			midi = okStatus.Sprint("yes")
		}
		lastSeen := time.Since(p.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n", name, p.Address, p.RSSI, midi, lastSeen)
	}
	return tw.Flush()
}

func displayPeripheralsJSON(w io.Writer, found []scanner.Peripheral) error {
	views := make([]peripheralView, 0, len(found))
	for _, p := range found {
		views = append(views, viewOf(p))
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(views)
}
