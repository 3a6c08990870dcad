// Package ohlc derives the enriched 1-minute bar table from the tick store.
package ohlc

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

// upsertChunk bounds the bars handed to the store per write.
const upsertChunk = 5_000

// lookback is how far before the window the standard scan starts, so the
// asof join has a preceding quote across weekends and holiday runs.
const lookback = 7 * 24 * time.Hour

// Engine rebuilds or appends OHLC bars. All derivation happens in a single
// pass per month: minute grouping of raw-spread ticks, a sorted-merge
// asof-to-preceding join against standard ticks, metric computation, and
// session enrichment.
type Engine struct {
	store    store.Store
	detector *exchange.Detector
	reg      *exchange.Registry
	nyLoc    *time.Location
	lonLoc   *time.Location
	now      func() time.Time
}

// NewEngine builds an engine. now is overridable for tests; nil means
// time.Now.
func NewEngine(s store.Store, det *exchange.Detector, reg *exchange.Registry, now func() time.Time) (*Engine, error) {
	nyse, err := reg.Lookup("nyse")
	if err != nil {
		return nil, err
	}
	lse, err := reg.Lookup("lse")
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:    s,
		detector: det,
		reg:      reg,
		nyLoc:    nyse.Location(),
		lonLoc:   lse.Location(),
		now:      now,
	}, nil
}

// Regenerate derives bars for one instrument and returns the count written.
//
// Both bounds nil: full rebuild, where every existing bar is deleted first
// and the window is the stored raw-spread range. Start only: incremental
// append, where nothing is deleted and replace-on-key absorbs overlap. Both
// bounds: range repair, where bars in [start, end+1 month) are deleted and
// rebuilt.
//
// Repeated calls with the same arguments over an unchanged tick set are
// idempotent.
func (e *Engine) Regenerate(ctx context.Context, instrument string, start, end *time.Time) (int64, error) {
	if err := instruments.Validate(instrument); err != nil {
		return 0, err
	}

	var windowStart, windowEnd time.Time
	switch {
	case start == nil && end == nil:
		minTS, maxTS, err := e.store.TickRange(ctx, instrument, instruments.RawSpread)
		if err != nil {
			return 0, err
		}
		if _, err := e.store.DeleteBars(ctx, instrument, nil, nil); err != nil {
			return 0, err
		}
		if minTS == nil {
			return 0, nil
		}
		windowStart = *minTS
		windowEnd = maxTS.Add(time.Microsecond)
	case start != nil && end == nil:
		windowStart = start.UTC()
		windowEnd = e.now().UTC()
	case start != nil && end != nil:
		windowStart = start.UTC()
		windowEnd = end.UTC().AddDate(0, 1, 0)
		if _, err := e.store.DeleteBars(ctx, instrument, &windowStart, &windowEnd); err != nil {
			return 0, err
		}
	default:
		return 0, errs.New(errs.KindValidation, "regenerate needs a start when an end is given")
	}
	if !windowStart.Before(windowEnd) {
		return 0, nil
	}

	var total int64
	last := store.YearMonthOf(windowEnd.Add(-time.Microsecond))
	for ym := store.YearMonthOf(windowStart); !last.Before(ym); ym = ym.Next() {
		monthStart := ym.Start()
		monthEnd := ym.Next().Start()
		if monthStart.Before(windowStart) {
			monthStart = windowStart
		}
		if monthEnd.After(windowEnd) {
			monthEnd = windowEnd
		}

		written, err := e.regenerateSlice(ctx, instrument, monthStart, monthEnd)
		if err != nil {
			return total, err
		}
		total += written
		if written > 0 {
			log.Info().Str("instrument", instrument).Stringer("month", ym).
				Int64("bars", written).Msg("ohlc slice regenerated")
		}
	}
	return total, nil
}

// regenerateSlice derives bars for [start, end) within one month.
func (e *Engine) regenerateSlice(ctx context.Context, instrument string, start, end time.Time) (int64, error) {
	rawIter, err := e.store.ScanTicks(ctx, instrument, instruments.RawSpread,
		store.ScanOptions{Start: &start, End: &end})
	if err != nil {
		return 0, err
	}
	defer rawIter.Close()

	stdStart := start.Add(-lookback)
	stdIter, err := e.store.ScanTicks(ctx, instrument, instruments.Standard,
		store.ScanOptions{Start: &stdStart, End: &end})
	if err != nil {
		return 0, err
	}
	defer stdIter.Close()

	aggs, err := aggregate(rawIter, stdIter)
	if err != nil {
		return 0, err
	}
	if len(aggs) == 0 {
		return 0, nil
	}

	minutes := make([]time.Time, len(aggs))
	for i, a := range aggs {
		minutes[i] = a.minute
	}
	annotations, err := e.detector.Detect(minutes)
	if err != nil {
		return 0, err
	}

	var written int64
	bars := make([]store.Bar, 0, upsertChunk)
	for i, a := range aggs {
		bars = append(bars, e.buildBar(instrument, a, annotations[i]))
		if len(bars) == upsertChunk {
			n, err := e.store.UpsertBars(ctx, bars)
			if err != nil {
				return written, err
			}
			written += n
			bars = bars[:0]
		}
	}
	if len(bars) > 0 {
		n, err := e.store.UpsertBars(ctx, bars)
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// minuteAgg accumulates one minute's raw-spread group and its asof-joined
// standard rows.
type minuteAgg struct {
	minute time.Time

	open, high, low, close float64
	rawCount               int32
	rawSpreadSum           float64

	stdCount     int32
	stdSpreadSum float64
}

// stdCursor walks the standard stream once, tracking the most recent tick at
// or before each requested timestamp. Requests must be non-decreasing, which
// the ascending raw scan guarantees.
type stdCursor struct {
	iter store.TickIter
	cur  store.Tick
	has  bool
	prev store.Tick
	seen bool
}

func newStdCursor(iter store.TickIter) *stdCursor {
	c := &stdCursor{iter: iter}
	if iter.Next() {
		c.cur = iter.Tick()
		c.has = true
	}
	return c
}

// at returns the most recent standard tick with ts <= target, if any.
func (c *stdCursor) at(target time.Time) (store.Tick, bool) {
	for c.has && !c.cur.TS.After(target) {
		c.prev = c.cur
		c.seen = true
		if c.iter.Next() {
			c.cur = c.iter.Tick()
		} else {
			c.has = false
		}
	}
	return c.prev, c.seen
}

// aggregate folds the two sorted tick streams into per-minute groups. The
// raw stream arrives deduplicated and ascending, so the first tick of a
// minute is the open and the last is the close.
func aggregate(rawIter, stdIter store.TickIter) ([]*minuteAgg, error) {
	std := newStdCursor(stdIter)

	var aggs []*minuteAgg
	var cur *minuteAgg
	for rawIter.Next() {
		t := rawIter.Tick()
		minute := t.TS.Truncate(time.Minute)

		if cur == nil || !cur.minute.Equal(minute) {
			cur = &minuteAgg{minute: minute, open: t.Bid, high: t.Bid, low: t.Bid}
			aggs = append(aggs, cur)
		}
		if t.Bid > cur.high {
			cur.high = t.Bid
		}
		if t.Bid < cur.low {
			cur.low = t.Bid
		}
		cur.close = t.Bid
		cur.rawCount++
		cur.rawSpreadSum += t.Ask - t.Bid

		if match, ok := std.at(t.TS); ok {
			cur.stdCount++
			cur.stdSpreadSum += match.Ask - match.Bid
		}
	}
	if err := rawIter.Err(); err != nil {
		return nil, err
	}
	if err := stdIter.Err(); err != nil {
		return nil, err
	}
	return aggs, nil
}

func (e *Engine) buildBar(instrument string, a *minuteAgg, ann exchange.Annotations) store.Bar {
	bar := store.Bar{
		Symbol:       instrument,
		TS:           a.minute,
		Open:         a.open,
		High:         a.high,
		Low:          a.low,
		Close:        a.close,
		TickCountRaw: a.rawCount,
		USHoliday:    ann.USHoliday,
		UKHoliday:    ann.UKHoliday,
		MajorHoliday: ann.MajorHoliday,
		ExchangeOpen: ann.Open,
	}

	rawAvg := a.rawSpreadSum / float64(a.rawCount)
	bar.RawSpreadAvg = &rawAvg

	if a.stdCount > 0 {
		stdAvg := a.stdSpreadSum / float64(a.stdCount)
		bar.StdSpreadAvg = &stdAvg
		count := a.stdCount
		bar.TickCountStd = &count

		barRange := a.high - a.low
		body := math.Abs(a.close - a.open)
		if stdAvg != 0 {
			bar.RangePerSpread = ptr(barRange / stdAvg)
			bar.BodyPerSpread = ptr(body / stdAvg)
		}
		bar.RangePerTick = ptr(barRange / float64(count))
		bar.BodyPerTick = ptr(body / float64(count))
	}

	nyTime := a.minute.In(e.nyLoc)
	lonTime := a.minute.In(e.lonLoc)
	bar.NYHour = int16(nyTime.Hour())
	bar.LondonHour = int16(lonTime.Hour())
	bar.NYSessionName = nySessionLabel(int(bar.NYHour))
	bar.LondonSessionName = londonSessionLabel(int(bar.LondonHour))
	return bar
}

func ptr(v float64) *float64 { return &v }

func nySessionLabel(hour int) string {
	switch {
	case hour >= 9 && hour <= 16:
		return store.NYSession
	case hour >= 17 && hour <= 20:
		return store.NYAfterHours
	default:
		return store.NYClosed
	}
}

func londonSessionLabel(hour int) string {
	if hour >= 8 && hour <= 16 {
		return store.LondonSession
	}
	return store.LondonClosed
}
