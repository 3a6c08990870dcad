// Package instruments holds the closed instrument catalogue plus the
// variant and timeframe enumerations used across the data plane.
package instruments

import (
	"sort"
	"time"

	"github.com/tickvault/tickvault/internal/errs"
)

// Variant selects one of the two tick feeds published per instrument.
type Variant string

const (
	// RawSpread holds execution prices; ask >= bid and ask == bid is common.
	RawSpread Variant = "raw_spread"
	// Standard holds traditional quotes; ask > bid for every row.
	Standard Variant = "standard"
)

// Variants lists both feeds in the order updates process them.
var Variants = []Variant{RawSpread, Standard}

func (v Variant) Valid() bool { return v == RawSpread || v == Standard }

// ArchiveSymbol returns the upstream symbol used in archive URLs for the
// given instrument and this variant.
func (v Variant) ArchiveSymbol(instrument string) string {
	if v == RawSpread {
		return instrument + "_Raw_Spread"
	}
	return instrument
}

// catalogue is the closed set of accepted symbols. Writes and queries for
// anything else are rejected with InvalidInstrument.
var catalogue = map[string]bool{
	"EURUSD": true,
	"GBPUSD": true,
	"USDJPY": true,
	"USDCHF": true,
	"USDCAD": true,
	"AUDUSD": true,
	"NZDUSD": true,
	"EURGBP": true,
	"EURJPY": true,
	"GBPJPY": true,
	"XAUUSD": true,
	"XAGUSD": true,
}

// All returns the catalogue in sorted order.
func All() []string {
	out := make([]string, 0, len(catalogue))
	for s := range catalogue {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Known reports whether symbol is in the catalogue.
func Known(symbol string) bool { return catalogue[symbol] }

// Validate rejects symbols outside the catalogue.
func Validate(symbol string) error {
	if !catalogue[symbol] {
		return errs.New(errs.KindInvalidInstrument, "symbol %q is not in the catalogue", symbol)
	}
	return nil
}

// Timeframe is a supported OHLC bucket width.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframes = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// Duration returns the bucket width, or an InvalidTimeframe error.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, errs.New(errs.KindInvalidTimeframe, "timeframe %q is not supported", string(tf))
	}
	return d, nil
}
