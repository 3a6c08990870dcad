package ohlc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
	"github.com/tickvault/tickvault/internal/store/sqlite"
	"github.com/tickvault/tickvault/internal/store/storetest"
)

func newTestEngine(t *testing.T, mem *storetest.Mem, now time.Time) *Engine {
	t.Helper()
	reg, err := exchange.NewRegistry()
	require.NoError(t, err)
	det, err := exchange.NewDetector(reg)
	require.NoError(t, err)
	eng, err := NewEngine(mem, det, reg, func() time.Time { return now })
	require.NoError(t, err)
	return eng
}

func appendTicks(t *testing.T, mem *storetest.Mem, variant instruments.Variant, ticks []store.Tick) {
	t.Helper()
	_, err := mem.AppendTicks(context.Background(), "EURUSD", variant, ticks)
	require.NoError(t, err)
}

func tick(ts time.Time, bid, ask float64) store.Tick {
	return store.Tick{Symbol: "EURUSD", TS: ts, Bid: bid, Ask: ask}
}

// Tuesday 2024-07-02, inside both the NY and London sessions.
var base = time.Date(2024, 7, 2, 14, 30, 0, 0, time.UTC)

func seedTicks(t *testing.T, mem *storetest.Mem) {
	appendTicks(t, mem, instruments.RawSpread, []store.Tick{
		tick(base, 1.1000, 1.1001),
		tick(base.Add(20*time.Second), 1.1005, 1.1005),
		tick(base.Add(40*time.Second), 1.0998, 1.0999),
		tick(base.Add(70*time.Second), 1.1002, 1.1004),
	})
	appendTicks(t, mem, instruments.Standard, []store.Tick{
		tick(base.Add(-10*time.Second), 1.1000, 1.1002),
		tick(base.Add(15*time.Second), 1.1004, 1.1007),
	})
}

func TestFullRebuild(t *testing.T) {
	mem := storetest.New()
	seedTicks(t, mem)
	eng := newTestEngine(t, mem, base.Add(time.Hour))

	n, err := eng.Regenerate(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	bars, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 2)

	b := bars[0]
	assert.Equal(t, base, b.TS)
	assert.Equal(t, 1.1000, b.Open)
	assert.Equal(t, 1.1005, b.High)
	assert.Equal(t, 1.0998, b.Low)
	assert.Equal(t, 1.0998, b.Close)
	assert.Equal(t, int32(3), b.TickCountRaw)

	require.NotNil(t, b.RawSpreadAvg)
	assert.InDelta(t, 0.0002/3, *b.RawSpreadAvg, 1e-12)

	// Every raw tick finds a standard quote at or before it.
	require.NotNil(t, b.TickCountStd)
	assert.Equal(t, int32(3), *b.TickCountStd)
	require.NotNil(t, b.StdSpreadAvg)
	stdAvg := (0.0002 + 0.0003 + 0.0003) / 3
	assert.InDelta(t, stdAvg, *b.StdSpreadAvg, 1e-12)

	require.NotNil(t, b.RangePerSpread)
	assert.InDelta(t, (1.1005-1.0998)/stdAvg, *b.RangePerSpread, 1e-9)
	require.NotNil(t, b.BodyPerSpread)
	assert.InDelta(t, (1.1000-1.0998)/stdAvg, *b.BodyPerSpread, 1e-9)
	require.NotNil(t, b.RangePerTick)
	assert.InDelta(t, (1.1005-1.0998)/3, *b.RangePerTick, 1e-12)
	require.NotNil(t, b.BodyPerTick)
	assert.InDelta(t, (1.1000-1.0998)/3, *b.BodyPerTick, 1e-12)

	// 14:30 UTC in July is 10:30 New York, 15:30 London.
	assert.Equal(t, int16(10), b.NYHour)
	assert.Equal(t, int16(15), b.LondonHour)
	assert.Equal(t, store.NYSession, b.NYSessionName)
	assert.Equal(t, store.LondonSession, b.LondonSessionName)
	assert.False(t, b.USHoliday)
	assert.False(t, b.UKHoliday)
	assert.False(t, b.MajorHoliday)
	assert.True(t, b.ExchangeOpen["nyse"])
	assert.False(t, b.ExchangeOpen["jpx"])

	b2 := bars[1]
	assert.Equal(t, base.Add(time.Minute), b2.TS)
	assert.Equal(t, int32(1), b2.TickCountRaw)
	require.NotNil(t, b2.TickCountStd)
	assert.Equal(t, int32(1), *b2.TickCountStd)
}

func TestRegenerateIsIdempotent(t *testing.T) {
	mem := storetest.New()
	seedTicks(t, mem)
	eng := newTestEngine(t, mem, base.Add(time.Hour))

	_, err := eng.Regenerate(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	first, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)

	_, err = eng.Regenerate(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	second, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestNoStandardQuotesLeavesMetricsNull(t *testing.T) {
	mem := storetest.New()
	appendTicks(t, mem, instruments.RawSpread, []store.Tick{
		tick(base, 1.1000, 1.1001),
		tick(base.Add(30*time.Second), 1.1003, 1.1004),
	})
	eng := newTestEngine(t, mem, base.Add(time.Hour))

	_, err := eng.Regenerate(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	bars, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 1)

	b := bars[0]
	assert.NotNil(t, b.RawSpreadAvg)
	assert.Nil(t, b.TickCountStd)
	assert.Nil(t, b.StdSpreadAvg)
	assert.Nil(t, b.RangePerSpread)
	assert.Nil(t, b.RangePerTick)
	assert.Nil(t, b.BodyPerSpread)
	assert.Nil(t, b.BodyPerTick)
}

func TestStandardLookbackBeforeWindow(t *testing.T) {
	mem := storetest.New()
	appendTicks(t, mem, instruments.RawSpread, []store.Tick{
		tick(base, 1.1000, 1.1001),
	})
	// The most recent standard quote is two days old but still inside the
	// join lookback.
	appendTicks(t, mem, instruments.Standard, []store.Tick{
		tick(base.Add(-48*time.Hour), 1.0990, 1.0993),
	})
	eng := newTestEngine(t, mem, base.Add(time.Hour))

	_, err := eng.Regenerate(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	bars, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 1)

	require.NotNil(t, bars[0].TickCountStd)
	assert.Equal(t, int32(1), *bars[0].TickCountStd)
	require.NotNil(t, bars[0].StdSpreadAvg)
	assert.InDelta(t, 0.0003, *bars[0].StdSpreadAvg, 1e-12)
}

func TestIncrementalRegenerate(t *testing.T) {
	mem := storetest.New()
	seedTicks(t, mem)
	eng := newTestEngine(t, mem, base.Add(time.Hour))

	from := base.Add(time.Minute)
	n, err := eng.Regenerate(context.Background(), "EURUSD", &from, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	bars, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, base.Add(time.Minute), bars[0].TS)
}

func TestRangeRepairRebuildsSlice(t *testing.T) {
	mem := storetest.New()
	seedTicks(t, mem)
	eng := newTestEngine(t, mem, base.Add(time.Hour))

	_, err := eng.Regenerate(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)

	// A late-arriving raw tick changes the second minute's close.
	appendTicks(t, mem, instruments.RawSpread, []store.Tick{
		tick(base.Add(80*time.Second), 1.1010, 1.1012),
	})
	repairStart := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	repairEnd := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	_, err = eng.Regenerate(context.Background(), "EURUSD", &repairStart, &repairEnd)
	require.NoError(t, err)

	bars, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 1.1010, bars[1].Close)
	assert.Equal(t, int32(2), bars[1].TickCountRaw)
}

func TestFullRebuildOnEmptyStore(t *testing.T) {
	eng := newTestEngine(t, storetest.New(), base)
	n, err := eng.Regenerate(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEndWithoutStartRejected(t *testing.T) {
	eng := newTestEngine(t, storetest.New(), base)
	end := base
	_, err := eng.Regenerate(context.Background(), "EURUSD", nil, &end)
	assert.Error(t, err)
}

// A full rebuild against the embedded backend holds a raw cursor, a standard
// cursor, and a write connection on the same database file at once; the
// deadline guards against the scan blocking on connection starvation.
func TestRegenerateEmbeddedStore(t *testing.T) {
	reg, err := exchange.NewRegistry()
	require.NoError(t, err)
	det, err := exchange.NewDetector(reg)
	require.NoError(t, err)

	s := sqlite.New(t.TempDir(), reg)
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.EnsureSchema(ctx))

	_, err = s.AppendTicks(ctx, "EURUSD", instruments.RawSpread, []store.Tick{
		tick(base, 1.1000, 1.1001),
		tick(base.Add(30*time.Second), 1.1004, 1.1006),
	})
	require.NoError(t, err)
	_, err = s.AppendTicks(ctx, "EURUSD", instruments.Standard, []store.Tick{
		tick(base.Add(-5*time.Second), 1.1000, 1.1002),
	})
	require.NoError(t, err)

	eng, err := NewEngine(s, det, reg, func() time.Time { return base.Add(time.Hour) })
	require.NoError(t, err)

	n, err := eng.Regenerate(ctx, "EURUSD", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	bars, err := s.ScanBars(ctx, "EURUSD", nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 1.1000, bars[0].Open)
	assert.Equal(t, 1.1004, bars[0].Close)
	require.NotNil(t, bars[0].TickCountStd)
	assert.Equal(t, int32(2), *bars[0].TickCountStd)
}
