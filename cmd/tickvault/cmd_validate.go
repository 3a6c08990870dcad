package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/query"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [instrument...]",
		Short: "Check stored OHLC rows against their invariants",
		Long: `Scans every stored bar and asserts price ordering, tick-count floors, and
holiday/metric consistency. A violation exits with status 2.`,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	targets := args
	if len(targets) == 0 {
		targets = instruments.All()
	}

	if err := a.store.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	for _, instrument := range targets {
		if err := instruments.Validate(instrument); err != nil {
			return err
		}
		bars, err := a.store.ScanBars(cmd.Context(), instrument, nil, nil)
		if err != nil {
			return err
		}
		if err := query.ValidateBars(bars); err != nil {
			return fmt.Errorf("%s: %w", instrument, err)
		}
		fmt.Printf("%s: %d bars ok\n", instrument, len(bars))
	}
	return nil
}
