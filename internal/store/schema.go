package store

import (
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/instruments"
)

// SchemaVersion is bumped whenever column semantics change (most recently:
// normalized-metric denominators fixed to the standard variant). A store
// whose recorded version is older fails with SchemaMismatch until migrated.
const SchemaVersion = 2

// Table names shared by both backends.
const (
	TableRawSpreadTicks = "raw_spread_ticks"
	TableStandardTicks  = "standard_ticks"
	TableOHLC           = "ohlc_1m"
)

// TickTable maps a variant to its table.
func TickTable(variant instruments.Variant) string {
	if variant == instruments.RawSpread {
		return TableRawSpreadTicks
	}
	return TableStandardTicks
}

// BarBaseColumns is the fixed OHLC column list before the generated
// per-exchange session columns, in write order after (symbol, ts).
var BarBaseColumns = []string{
	"open", "high", "low", "close",
	"raw_spread_avg", "standard_spread_avg",
	"tick_count_raw_spread", "tick_count_standard",
	"range_per_spread", "range_per_tick", "body_per_spread", "body_per_tick",
	"ny_hour", "london_hour", "ny_session", "london_session",
	"is_us_holiday", "is_uk_holiday", "is_major_holiday",
}

// BarColumns returns the full OHLC column list after (symbol, ts): the fixed
// columns followed by one is_<key>_session column per registry entry, in
// registry order. All three schema artifacts (DDL, writer, reader) use this
// list so they cannot drift.
func BarColumns(reg *exchange.Registry) []string {
	cols := make([]string, 0, len(BarBaseColumns)+len(reg.All()))
	cols = append(cols, BarBaseColumns...)
	for _, ex := range reg.All() {
		cols = append(cols, ex.SessionColumn())
	}
	return cols
}

// TableComments document table semantics in the catalogue.
var TableComments = map[string]string{
	TableRawSpreadTicks: "Raw-spread variant ticks: execution prices, ask >= bid, zero spread common. Deduplicated on (symbol, ts), partitioned by month.",
	TableStandardTicks:  "Standard variant ticks: traditional quotes, ask > bid. Deduplicated on (symbol, ts), partitioned by month.",
	TableOHLC:           "Dense 1-minute OHLC derived from raw-spread bids, enriched with asof-joined standard spreads, session labels, holiday flags, and per-exchange open flags.",
}

// ColumnComments document every column; migrations must preserve them.
var ColumnComments = map[string]string{
	"symbol": "Instrument symbol from the closed catalogue, e.g. EURUSD.",
	"ts":     "UTC timestamp, microsecond precision. Tick time or minute start.",
	"bid":    "Bid price, non-negative.",
	"ask":    "Ask price, non-negative.",
	"ym":     "YYYYMM month key of ts, used for partition pruning.",

	"open":  "Bid of the earliest raw-spread tick in the minute.",
	"high":  "Maximum raw-spread bid in the minute.",
	"low":   "Minimum raw-spread bid in the minute.",
	"close": "Bid of the latest raw-spread tick in the minute.",

	"raw_spread_avg":      "Mean (ask - bid) over raw-spread ticks in the minute.",
	"standard_spread_avg": "Mean (ask - bid) over standard ticks matched by asof-to-preceding join; NULL when no match.",

	"tick_count_raw_spread": "Number of raw-spread ticks in the minute, always >= 1.",
	"tick_count_standard":   "Number of asof-matched standard ticks; NULL when no match.",

	"range_per_spread": "(high - low) / standard_spread_avg; NULL when the denominator is NULL or zero.",
	"range_per_tick":   "(high - low) / tick_count_standard; NULL when the denominator is NULL or zero.",
	"body_per_spread":  "abs(close - open) / standard_spread_avg; NULL when the denominator is NULL or zero.",
	"body_per_tick":    "abs(close - open) / tick_count_standard; NULL when the denominator is NULL or zero.",

	"ny_hour":        "Hour of day in America/New_York, DST-aware.",
	"london_hour":    "Hour of day in Europe/London, DST-aware.",
	"ny_session":     "NY_Session for ny_hour 9-16, NY_After_Hours for 17-20, else NY_Closed.",
	"london_session": "London_Session for london_hour 8-16, else London_Closed.",

	"is_us_holiday":    "1 when the UTC date is an official NYSE holiday. Weekends are not holidays.",
	"is_uk_holiday":    "1 when the UTC date is an official LSE holiday. Weekends are not holidays.",
	"is_major_holiday": "1 when both is_us_holiday and is_uk_holiday are 1.",
}

// SessionColumnComment documents one generated is_<key>_session column.
func SessionColumnComment(ex *exchange.Exchange) string {
	return "1 when " + ex.MIC + " (" + ex.TZ + ") is inside a regular trading session at this minute, respecting holidays, early closes, and lunch breaks."
}
