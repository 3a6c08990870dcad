// Package store defines the tick/OHLC persistence contracts shared by the
// embedded sqlite backend and the remote Postgres backend, plus the row
// types moving through them.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tickvault/tickvault/internal/instruments"
)

// Tick is one quote observation. Identity is (Symbol, TS); the stores
// deduplicate on it with last-write-wins.
type Tick struct {
	Symbol string    `db:"symbol"`
	TS     time.Time `db:"ts"`
	Bid    float64   `db:"bid"`
	Ask    float64   `db:"ask"`
}

// Session label values for the ny_session / london_session bar columns.
const (
	NYSession     = "NY_Session"
	NYAfterHours  = "NY_After_Hours"
	NYClosed      = "NY_Closed"
	LondonSession = "London_Session"
	LondonClosed  = "London_Closed"
)

// Bar is one enriched 1-minute OHLC row keyed by (Symbol, TS). Nullable
// columns are pointers. ExchangeOpen is keyed by registry exchange key; the
// backends map it onto the generated is_<key>_session columns.
type Bar struct {
	Symbol string
	TS     time.Time

	Open  float64
	High  float64
	Low   float64
	Close float64

	RawSpreadAvg *float64
	StdSpreadAvg *float64

	TickCountRaw int32
	TickCountStd *int32

	RangePerSpread *float64
	RangePerTick   *float64
	BodyPerSpread  *float64
	BodyPerTick    *float64

	NYHour            int16
	LondonHour        int16
	NYSessionName     string
	LondonSessionName string

	USHoliday    bool
	UKHoliday    bool
	MajorHoliday bool

	ExchangeOpen map[string]bool
}

// YearMonth identifies a month partition.
type YearMonth struct {
	Year  int
	Month time.Month
}

// YearMonthOf truncates t (in UTC) to its month.
func YearMonthOf(t time.Time) YearMonth {
	u := t.UTC()
	return YearMonth{Year: u.Year(), Month: u.Month()}
}

// Start returns midnight UTC on the first day of the month.
func (ym YearMonth) Start() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Next returns the following month.
func (ym YearMonth) Next() YearMonth {
	return YearMonthOf(ym.Start().AddDate(0, 1, 0))
}

// Before orders months chronologically.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// Key returns the YYYYMM integer form used for partition pruning.
func (ym YearMonth) Key() int { return ym.Year*100 + int(ym.Month) }

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// ScanOptions bounds a tick scan. ExtraFilter is an opaque backend-specific
// SQL predicate ANDed onto the scan; backends pass it through verbatim and
// surface any backend rejection as a StoreError.
type ScanOptions struct {
	Start       *time.Time
	End         *time.Time
	ExtraFilter string
}

// TickIter streams scan results in ascending timestamp order.
type TickIter interface {
	Next() bool
	Tick() Tick
	Err() error
	Close() error
}

// Coverage is the on-demand per-instrument summary.
type Coverage struct {
	Instrument   string
	EarliestTick *time.Time
	LatestTick   *time.Time
	TickCounts   map[instruments.Variant]int64
	BarCount     int64
	StorageBytes int64
}

// Store is the persistence contract. Both backends provide replace-on-key
// semantics: after AppendTicks, CountTicks reflects the deduplicated
// cardinality, and readers never observe duplicate keys.
type Store interface {
	// EnsureSchema creates tables, month partitions, and schema comments.
	EnsureSchema(ctx context.Context) error

	// AppendTicks upserts a batch and returns the number of newly inserted
	// rows; re-appending an identical batch returns 0.
	AppendTicks(ctx context.Context, instrument string, variant instruments.Variant, batch []Tick) (int64, error)

	CountTicks(ctx context.Context, instrument string, variant instruments.Variant) (int64, error)

	// TickRange returns the min and max timestamps, or nils when empty.
	TickRange(ctx context.Context, instrument string, variant instruments.Variant) (*time.Time, *time.Time, error)

	// ScanTicks streams rows ordered by timestamp ascending.
	ScanTicks(ctx context.Context, instrument string, variant instruments.Variant, opts ScanOptions) (TickIter, error)

	DistinctMonths(ctx context.Context, instrument string, variant instruments.Variant) ([]YearMonth, error)

	// DeleteBars removes OHLC rows in [start, end); nil bounds are open.
	// Reserved for the derivation engine.
	DeleteBars(ctx context.Context, instrument string, start, end *time.Time) (int64, error)

	// UpsertBars writes bars with replace-on-key semantics.
	UpsertBars(ctx context.Context, bars []Bar) (int64, error)

	// ScanBars returns bars in [start, end) ordered by timestamp ascending.
	ScanBars(ctx context.Context, instrument string, start, end *time.Time) ([]Bar, error)

	BarCount(ctx context.Context, instrument string) (int64, error)

	StorageBytes(ctx context.Context, instrument string) (int64, error)

	Close() error
}
