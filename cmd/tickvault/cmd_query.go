package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read ticks or OHLC bars from the vault",
	}
	cmd.AddCommand(newQueryBarsCmd(), newQueryTicksCmd())
	return cmd
}

func newQueryBarsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bars <instrument>",
		Short: "Query OHLC bars at a chosen timeframe",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueryBars,
	}
	cmd.Flags().String("timeframe", "1m", "Bar width (1m|5m|15m|30m|1h|4h|1d)")
	cmd.Flags().String("start", "", "Inclusive lower bound (RFC3339)")
	cmd.Flags().String("end", "", "Exclusive upper bound (RFC3339)")
	cmd.Flags().Bool("json", false, "Emit JSON lines instead of CSV")
	return cmd
}

func newQueryTicksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticks <instrument>",
		Short: "Query raw tick rows",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueryTicks,
	}
	cmd.Flags().String("variant", string(instruments.RawSpread), "Tick variant (raw_spread|standard)")
	cmd.Flags().String("start", "", "Inclusive lower bound (RFC3339)")
	cmd.Flags().String("end", "", "Exclusive upper bound (RFC3339)")
	cmd.Flags().String("filter", "", "Extra backend SQL predicate ANDed onto the scan")
	cmd.Flags().Bool("json", false, "Emit JSON lines instead of CSV")
	return cmd
}

func timeBounds(cmd *cobra.Command) (*time.Time, *time.Time, error) {
	parse := func(flag string) (*time.Time, error) {
		v, _ := cmd.Flags().GetString(flag)
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse --%s %q: %w", flag, v, err)
		}
		t = t.UTC()
		return &t, nil
	}
	start, err := parse("start")
	if err != nil {
		return nil, nil, err
	}
	end, err := parse("end")
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func runQueryBars(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	start, end, err := timeBounds(cmd)
	if err != nil {
		return err
	}
	tfFlag, _ := cmd.Flags().GetString("timeframe")

	if err := a.store.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	bars, err := a.facade.OHLC(cmd.Context(), args[0], instruments.Timeframe(tfFlag), start, end)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for i := range bars {
			if err := enc.Encode(&bars[i]); err != nil {
				return err
			}
		}
		return nil
	}
	return writeBarsCSV(cmd, bars)
}

func writeBarsCSV(cmd *cobra.Command, bars []store.Bar) error {
	w := csv.NewWriter(cmd.OutOrStdout())
	header := []string{"ts", "open", "high", "low", "close", "tick_count_raw", "tick_count_standard",
		"raw_spread_avg", "standard_spread_avg", "ny_session", "london_session",
		"is_us_holiday", "is_uk_holiday", "is_major_holiday"}
	if err := w.Write(header); err != nil {
		return err
	}
	f := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'g', -1, 64)
	}
	for i := range bars {
		b := &bars[i]
		std := ""
		if b.TickCountStd != nil {
			std = strconv.FormatInt(int64(*b.TickCountStd), 10)
		}
		row := []string{
			b.TS.UTC().Format(time.RFC3339),
			strconv.FormatFloat(b.Open, 'g', -1, 64),
			strconv.FormatFloat(b.High, 'g', -1, 64),
			strconv.FormatFloat(b.Low, 'g', -1, 64),
			strconv.FormatFloat(b.Close, 'g', -1, 64),
			strconv.FormatInt(int64(b.TickCountRaw), 10),
			std,
			f(b.RawSpreadAvg),
			f(b.StdSpreadAvg),
			b.NYSessionName,
			b.LondonSessionName,
			strconv.FormatBool(b.USHoliday),
			strconv.FormatBool(b.UKHoliday),
			strconv.FormatBool(b.MajorHoliday),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func runQueryTicks(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	start, end, err := timeBounds(cmd)
	if err != nil {
		return err
	}
	variantFlag, _ := cmd.Flags().GetString("variant")
	filter, _ := cmd.Flags().GetString("filter")

	if err := a.store.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	ticks, err := a.facade.Ticks(cmd.Context(), args[0], instruments.Variant(variantFlag), start, end, filter)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for i := range ticks {
			if err := enc.Encode(&ticks[i]); err != nil {
				return err
			}
		}
		return nil
	}

	w := csv.NewWriter(cmd.OutOrStdout())
	if err := w.Write([]string{"ts", "bid", "ask"}); err != nil {
		return err
	}
	for i := range ticks {
		t := &ticks[i]
		row := []string{
			t.TS.UTC().Format("2006-01-02T15:04:05.000000Z"),
			strconv.FormatFloat(t.Bid, 'g', -1, 64),
			strconv.FormatFloat(t.Ask, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
