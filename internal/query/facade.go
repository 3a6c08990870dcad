// Package query serves tick and OHLC reads, resampling stored 1-minute bars
// to coarser timeframes on the fly. It never mutates store state.
package query

import (
	"context"
	"math"
	"time"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

// Facade is the uniform read API.
type Facade struct {
	store store.Store
	reg   *exchange.Registry
}

// New builds a facade over a store.
func New(s store.Store, reg *exchange.Registry) *Facade {
	return &Facade{store: s, reg: reg}
}

// Instruments lists the catalogue.
func (f *Facade) Instruments() []string { return instruments.All() }

// Ticks returns tick rows ordered by timestamp ascending. filter is an
// opaque backend predicate ANDed onto the scan; backends that cannot apply
// it fail loudly rather than ignore it.
func (f *Facade) Ticks(ctx context.Context, instrument string, variant instruments.Variant, start, end *time.Time, filter string) ([]store.Tick, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}
	if !variant.Valid() {
		return nil, errs.New(errs.KindValidation, "unknown variant %q", string(variant))
	}

	iter, err := f.store.ScanTicks(ctx, instrument, variant,
		store.ScanOptions{Start: start, End: end, ExtraFilter: filter})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ticks []store.Tick
	for iter.Next() {
		ticks = append(ticks, iter.Tick())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ticks, nil
}

// OHLC returns bars at the requested timeframe. 1m returns stored rows
// verbatim; coarser frames are derived from the 1m rows in the range.
func (f *Facade) OHLC(ctx context.Context, instrument string, tf instruments.Timeframe, start, end *time.Time) ([]store.Bar, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}
	width, err := tf.Duration()
	if err != nil {
		return nil, err
	}

	bars, err := f.store.ScanBars(ctx, instrument, start, end)
	if err != nil {
		return nil, err
	}
	if tf == instruments.TF1m {
		return bars, nil
	}
	return Resample(bars, width), nil
}

// Coverage summarises one instrument on demand.
func (f *Facade) Coverage(ctx context.Context, instrument string) (store.Coverage, error) {
	cov := store.Coverage{
		Instrument: instrument,
		TickCounts: make(map[instruments.Variant]int64, len(instruments.Variants)),
	}
	if err := instruments.Validate(instrument); err != nil {
		return cov, err
	}

	for _, variant := range instruments.Variants {
		n, err := f.store.CountTicks(ctx, instrument, variant)
		if err != nil {
			return cov, err
		}
		cov.TickCounts[variant] = n

		minTS, maxTS, err := f.store.TickRange(ctx, instrument, variant)
		if err != nil {
			return cov, err
		}
		if minTS != nil && (cov.EarliestTick == nil || minTS.Before(*cov.EarliestTick)) {
			cov.EarliestTick = minTS
		}
		if maxTS != nil && (cov.LatestTick == nil || maxTS.After(*cov.LatestTick)) {
			cov.LatestTick = maxTS
		}
	}

	bars, err := f.store.BarCount(ctx, instrument)
	if err != nil {
		return cov, err
	}
	cov.BarCount = bars

	size, err := f.store.StorageBytes(ctx, instrument)
	if err != nil {
		return cov, err
	}
	cov.StorageBytes = size
	return cov, nil
}

// Resample buckets 1-minute bars into width-sized windows. Prices follow
// first/max/min/last, counts sum, spreads average, normalized metrics are
// recomputed from the bucket aggregates, hour and session labels come from
// the earliest child, and holiday/open flags OR across children.
func Resample(bars []store.Bar, width time.Duration) []store.Bar {
	if len(bars) == 0 {
		return nil
	}

	var out []store.Bar
	var cur *bucket
	for i := range bars {
		b := &bars[i]
		bs := b.TS.Truncate(width)
		if cur == nil || !cur.start.Equal(bs) {
			if cur != nil {
				out = append(out, cur.finish())
			}
			cur = newBucket(bs, b)
			continue
		}
		cur.add(b)
	}
	out = append(out, cur.finish())
	return out
}

type bucket struct {
	start time.Time
	bar   store.Bar

	rawSpreadSum float64
	rawSpreadN   int
	stdSpreadSum float64
	stdSpreadN   int
	stdCountSum  int64
}

func newBucket(start time.Time, b *store.Bar) *bucket {
	bk := &bucket{start: start}
	bk.bar = *b
	bk.bar.TS = start
	bk.bar.ExchangeOpen = make(map[string]bool, len(b.ExchangeOpen))
	for k, v := range b.ExchangeOpen {
		bk.bar.ExchangeOpen[k] = v
	}
	bk.accumulate(b)
	return bk
}

func (bk *bucket) add(b *store.Bar) {
	if b.High > bk.bar.High {
		bk.bar.High = b.High
	}
	if b.Low < bk.bar.Low {
		bk.bar.Low = b.Low
	}
	bk.bar.Close = b.Close
	bk.bar.TickCountRaw += b.TickCountRaw

	bk.bar.USHoliday = bk.bar.USHoliday || b.USHoliday
	bk.bar.UKHoliday = bk.bar.UKHoliday || b.UKHoliday
	bk.bar.MajorHoliday = bk.bar.MajorHoliday || b.MajorHoliday
	for k, v := range b.ExchangeOpen {
		bk.bar.ExchangeOpen[k] = bk.bar.ExchangeOpen[k] || v
	}
	bk.accumulate(b)
}

func (bk *bucket) accumulate(b *store.Bar) {
	if b.RawSpreadAvg != nil {
		bk.rawSpreadSum += *b.RawSpreadAvg
		bk.rawSpreadN++
	}
	if b.StdSpreadAvg != nil {
		bk.stdSpreadSum += *b.StdSpreadAvg
		bk.stdSpreadN++
	}
	if b.TickCountStd != nil {
		bk.stdCountSum += int64(*b.TickCountStd)
	}
}

func (bk *bucket) finish() store.Bar {
	bar := bk.bar
	bar.RawSpreadAvg = nil
	bar.StdSpreadAvg = nil
	bar.TickCountStd = nil
	bar.RangePerSpread = nil
	bar.RangePerTick = nil
	bar.BodyPerSpread = nil
	bar.BodyPerTick = nil

	if bk.rawSpreadN > 0 {
		v := bk.rawSpreadSum / float64(bk.rawSpreadN)
		bar.RawSpreadAvg = &v
	}
	var stdAvg float64
	if bk.stdSpreadN > 0 {
		stdAvg = bk.stdSpreadSum / float64(bk.stdSpreadN)
		bar.StdSpreadAvg = &stdAvg
	}
	if bk.stdCountSum > 0 {
		v := int32(bk.stdCountSum)
		bar.TickCountStd = &v
	}

	barRange := bar.High - bar.Low
	body := math.Abs(bar.Close - bar.Open)
	if bk.stdSpreadN > 0 && stdAvg != 0 {
		bar.RangePerSpread = ptr(barRange / stdAvg)
		bar.BodyPerSpread = ptr(body / stdAvg)
	}
	if bk.stdCountSum > 0 {
		bar.RangePerTick = ptr(barRange / float64(bk.stdCountSum))
		bar.BodyPerTick = ptr(body / float64(bk.stdCountSum))
	}
	return bar
}

func ptr(v float64) *float64 { return &v }

// ValidateBars asserts the row invariants of the bar table: price ordering,
// at least one raw tick, metric nullability tied to its denominators, and
// the holiday conjunction. The first violation is returned as a
// ValidationError.
func ValidateBars(bars []store.Bar) error {
	for i := range bars {
		b := &bars[i]
		if b.Low > b.High || b.Open < b.Low || b.Open > b.High || b.Close < b.Low || b.Close > b.High {
			return errs.New(errs.KindValidation,
				"bar %s %s has inconsistent prices o=%g h=%g l=%g c=%g",
				b.Symbol, b.TS, b.Open, b.High, b.Low, b.Close)
		}
		if b.TickCountRaw < 1 {
			return errs.New(errs.KindValidation, "bar %s %s has no raw ticks", b.Symbol, b.TS)
		}
		if b.MajorHoliday != (b.USHoliday && b.UKHoliday) {
			return errs.New(errs.KindValidation, "bar %s %s breaks the major-holiday conjunction", b.Symbol, b.TS)
		}
		if b.StdSpreadAvg == nil {
			if b.RangePerSpread != nil || b.RangePerTick != nil || b.BodyPerSpread != nil || b.BodyPerTick != nil {
				return errs.New(errs.KindValidation,
					"bar %s %s has normalized metrics without a standard spread", b.Symbol, b.TS)
			}
		}
	}
	return nil
}
