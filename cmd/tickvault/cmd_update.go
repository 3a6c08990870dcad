package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/update"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [instrument...]",
		Short: "Fetch missing months and regenerate OHLC",
		Long: `Detects missing months per instrument, downloads and decodes both tick
variants, appends them in ascending month order, and regenerates the OHLC
table incrementally from the earliest month added.

With no arguments every known instrument is updated.`,
		RunE: runUpdate,
	}
	cmd.Flags().String("from", "", "Earliest month to fetch (YYYY-MM-DD, overrides config)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	cmd.Flags().Bool("json", false, "Print reports as JSON")
	return cmd
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	earliest, err := a.opts.StartDate()
	if err != nil {
		return err
	}
	if from, _ := cmd.Flags().GetString("from"); from != "" {
		earliest, err = time.Parse("2006-01-02", from)
		if err != nil {
			return fmt.Errorf("failed to parse --from %q: %w", from, err)
		}
		earliest = earliest.UTC()
	}

	targets := args
	if len(targets) == 0 {
		targets = instruments.All()
	}
	for _, instrument := range targets {
		if err := instruments.Validate(instrument); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, addr); err != nil {
				log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
			}
		}()
	}

	orch, err := a.newOrchestrator()
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	for _, instrument := range targets {
		report, err := orch.Update(ctx, instrument, earliest)
		if err != nil {
			return err
		}
		if asJSON {
			if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
				return err
			}
			continue
		}
		printReport(report)
	}
	return nil
}

func printReport(r *update.Report) {
	fmt.Printf("%s  run %s\n", r.Instrument, r.RunID)
	fmt.Printf("  months added:    %d\n", r.MonthsAdded)
	if len(r.SkippedMonths) > 0 {
		fmt.Printf("  months skipped:  %v\n", r.SkippedMonths)
	}
	for _, variant := range instruments.Variants {
		fmt.Printf("  ticks %-11s %d\n", string(variant)+":", r.TicksAdded[variant])
	}
	fmt.Printf("  ohlc bars total: %d\n", r.OHLCBarsTotal)
	fmt.Printf("  storage bytes:   %d\n", r.StorageBytes)
	fmt.Printf("  elapsed:         %s\n", r.Elapsed.Round(time.Millisecond))
}
