package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/blegate/internal/radio"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE advertisers",
	Long: `Scan for Bluetooth Low Energy devices and list what was heard.

The adapter is powered on first when power control is available. Each
address is listed once with its strongest RSSI, latest name and raw
advertisement payload.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: scan_timeout from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

// scanEntry is one advertiser as shown to the user.
type scanEntry struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	RSSI     int       `json:"rssi"`
	Payload  string    `json:"payload"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// scanResults deduplicates records by address. Records arrive on the loop
// goroutine while the command goroutine reads.
type scanResults struct {
	entries *hashmap.Map[string, *scanEntry]
}

func newScanResults() *scanResults {
	return &scanResults{entries: hashmap.New[string, *scanEntry]()}
}

func (r *scanResults) add(rec radio.ScanRecord) {
	fresh := &scanEntry{
		Address:  rec.Address,
		Name:     rec.Name,
		RSSI:     rec.RSSI,
		Payload:  hex.EncodeToString(rec.Payload),
		Count:    1,
		LastSeen: time.Now(),
	}
	existing, loaded := r.entries.GetOrInsert(rec.Address, fresh)
	if !loaded {
		return
	}
	updated := *existing
	updated.Count++
	updated.LastSeen = fresh.LastSeen
	updated.Payload = fresh.Payload
	if rec.Name != "" {
		updated.Name = rec.Name
	}
	if rec.RSSI > updated.RSSI {
		updated.RSSI = rec.RSSI
	}
	r.entries.Set(rec.Address, &updated)
}

// sorted returns entries strongest first, then by address.
func (r *scanResults) sorted() []scanEntry {
	out := make([]scanEntry, 0, r.entries.Len())
	r.entries.Range(func(_ string, e *scanEntry) bool {
		out = append(out, *e)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	duration := cfg.ScanTimeout
	if scanDuration > 0 {
		duration = scanDuration
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	b, err := startBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	results := newScanResults()
	scanErr := make(chan error, 1)
	if err := b.host.StartScan(results.add, func(err error) {
		select {
		case scanErr <- err:
		default:
		}
	}); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-scanErr:
		return fmt.Errorf("scan failed: %w", err)
	case <-timeout:
	case <-ctx.Done():
		fmt.Fprintln(cmd.ErrOrStderr(), "\nCtrl+C pressed, stopping scan...")
	}

	if err := b.host.StopScan(); err != nil {
		logger.WithError(err).Debug("Failed to stop scan")
	}

	entries := results.sorted()
	if scanFormat == "json" {
		return writeScanJSON(cmd.OutOrStdout(), entries)
	}
	writeScanTable(cmd.OutOrStdout(), entries, useColor(cmd.OutOrStdout()))
	return nil
}

// useColor reports whether w is an interactive terminal.
func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeScanJSON(w io.Writer, entries []scanEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func writeScanTable(w io.Writer, entries []scanEntry, colored bool) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return
	}

	// every RSSI cell gets an escape of the same width so tabwriter stays aligned
	strong := color.New(color.FgGreen)
	fair := color.New(color.FgWhite)
	weak := color.New(color.FgYellow)
	if !colored {
		strong.DisableColor()
		fair.DisableColor()
		weak.DisableColor()
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tRSSI\tNAME\tSEEN\tPAYLOAD")
	for _, e := range entries {
		paint := fair
		switch {
		case e.RSSI >= -60:
			paint = strong
		case e.RSSI < -80:
			paint = weak
		}
		rssi := paint.Sprintf("%d", e.RSSI)
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.Address, rssi, name, e.Count, e.Payload)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d device(s)\n", len(entries))
}
