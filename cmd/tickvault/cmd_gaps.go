package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tickvault/tickvault/internal/gaps"
	"github.com/tickvault/tickvault/internal/instruments"
)

func newGapsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gaps [instrument...]",
		Short: "List missing months without downloading anything",
		RunE:  runGaps,
	}
	cmd.Flags().String("from", "", "Earliest month to consider (YYYY-MM-DD, overrides config)")
	return cmd
}

func runGaps(cmd *cobra.Command, args []string) error {
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

	if err := a.store.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	detect := gaps.NewDetector(a.store, nil)
	for _, instrument := range targets {
		missing, err := detect.MissingMonths(cmd.Context(), instrument, earliest)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			fmt.Printf("%s: complete\n", instrument)
			continue
		}
		fmt.Printf("%s: %d missing\n", instrument, len(missing))
		for _, ym := range missing {
			fmt.Printf("  %s\n", ym)
		}
	}
	return nil
}
