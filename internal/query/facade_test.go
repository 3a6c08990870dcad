package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
	"github.com/tickvault/tickvault/internal/store/storetest"
)

func newTestFacade(t *testing.T, mem *storetest.Mem) *Facade {
	t.Helper()
	reg, err := exchange.NewRegistry()
	require.NoError(t, err)
	return New(mem, reg)
}

func f64(v float64) *float64 { return &v }
func i32(v int32) *int32     { return &v }

func minuteBar(ts time.Time, open, high, low, close float64) store.Bar {
	return store.Bar{
		Symbol:        "EURUSD",
		TS:            ts,
		Open:          open,
		High:          high,
		Low:           low,
		Close:         close,
		TickCountRaw:  10,
		TickCountStd:  i32(8),
		RawSpreadAvg:  f64(0.0001),
		StdSpreadAvg:  f64(0.0002),
		NYHour:        9,
		LondonHour:    14,
		NYSessionName: store.NYSession,
		ExchangeOpen:  map[string]bool{"nyse": true, "lse": false},
	}
}

func TestResampleHourFromMinutes(t *testing.T) {
	t0 := time.Date(2024, 7, 2, 14, 0, 0, 0, time.UTC)
	bars := []store.Bar{
		minuteBar(t0, 1.10, 1.12, 1.09, 1.11),
		minuteBar(t0.Add(time.Minute), 1.11, 1.15, 1.10, 1.14),
		minuteBar(t0.Add(30*time.Minute), 1.14, 1.14, 1.05, 1.06),
		minuteBar(t0.Add(time.Hour), 1.06, 1.07, 1.06, 1.07),
	}
	bars[2].USHoliday = true
	bars[2].ExchangeOpen = map[string]bool{"nyse": false, "lse": true}

	out := Resample(bars, time.Hour)
	require.Len(t, out, 2)

	h := out[0]
	assert.Equal(t, t0, h.TS)
	assert.Equal(t, 1.10, h.Open)
	assert.Equal(t, 1.15, h.High)
	assert.Equal(t, 1.05, h.Low)
	assert.Equal(t, 1.06, h.Close)
	assert.Equal(t, int32(30), h.TickCountRaw)
	require.NotNil(t, h.TickCountStd)
	assert.Equal(t, int32(24), *h.TickCountStd)

	// Spreads average across children; metrics are recomputed for the
	// bucket, not averaged.
	require.NotNil(t, h.StdSpreadAvg)
	assert.InDelta(t, 0.0002, *h.StdSpreadAvg, 1e-12)
	require.NotNil(t, h.RangePerSpread)
	assert.InDelta(t, (1.15-1.05)/0.0002, *h.RangePerSpread, 1e-6)
	require.NotNil(t, h.BodyPerTick)
	assert.InDelta(t, (1.10-1.06)/24, *h.BodyPerTick, 1e-9)

	// Labels come from the earliest child; flags OR across children.
	assert.Equal(t, store.NYSession, h.NYSessionName)
	assert.True(t, h.USHoliday)
	assert.True(t, h.ExchangeOpen["nyse"])
	assert.True(t, h.ExchangeOpen["lse"])

	assert.Equal(t, t0.Add(time.Hour), out[1].TS)
	assert.Equal(t, int32(10), out[1].TickCountRaw)
}

func TestResampleEmptyAndSingle(t *testing.T) {
	assert.Nil(t, Resample(nil, time.Hour))

	t0 := time.Date(2024, 7, 2, 14, 7, 0, 0, time.UTC)
	out := Resample([]store.Bar{minuteBar(t0, 1.1, 1.2, 1.0, 1.15)}, time.Hour)
	require.Len(t, out, 1)
	assert.Equal(t, t0.Truncate(time.Hour), out[0].TS)
	assert.Equal(t, 1.1, out[0].Open)
	assert.Equal(t, 1.15, out[0].Close)
}

func TestResampleNullStdChildren(t *testing.T) {
	t0 := time.Date(2024, 7, 2, 14, 0, 0, 0, time.UTC)
	b := minuteBar(t0, 1.1, 1.2, 1.0, 1.15)
	b.TickCountStd = nil
	b.StdSpreadAvg = nil

	out := Resample([]store.Bar{b}, time.Hour)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].TickCountStd)
	assert.Nil(t, out[0].StdSpreadAvg)
	assert.Nil(t, out[0].RangePerSpread)
	assert.Nil(t, out[0].RangePerTick)
}

func TestOHLCOneMinutePassthrough(t *testing.T) {
	mem := storetest.New()
	t0 := time.Date(2024, 7, 2, 14, 0, 0, 0, time.UTC)
	seed := []store.Bar{
		minuteBar(t0, 1.10, 1.12, 1.09, 1.11),
		minuteBar(t0.Add(time.Minute), 1.11, 1.15, 1.10, 1.14),
	}
	_, err := mem.UpsertBars(context.Background(), seed)
	require.NoError(t, err)

	facade := newTestFacade(t, mem)
	bars, err := facade.OHLC(context.Background(), "EURUSD", instruments.TF1m, nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, seed[0].Open, bars[0].Open)

	hour, err := facade.OHLC(context.Background(), "EURUSD", instruments.TF1h, nil, nil)
	require.NoError(t, err)
	require.Len(t, hour, 1)
	assert.Equal(t, int32(20), hour[0].TickCountRaw)
}

func TestOHLCRejectsBadInputs(t *testing.T) {
	facade := newTestFacade(t, storetest.New())

	_, err := facade.OHLC(context.Background(), "DOGEUSD", instruments.TF1m, nil, nil)
	assert.True(t, errs.IsKind(err, errs.KindInvalidInstrument))

	_, err = facade.OHLC(context.Background(), "EURUSD", instruments.Timeframe("7m"), nil, nil)
	assert.True(t, errs.IsKind(err, errs.KindInvalidTimeframe))
}

func TestTicksVariantChecked(t *testing.T) {
	facade := newTestFacade(t, storetest.New())
	_, err := facade.Ticks(context.Background(), "EURUSD", instruments.Variant("mini"), nil, nil, "")
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCoverageAcrossVariants(t *testing.T) {
	mem := storetest.New()
	early := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	_, err := mem.AppendTicks(context.Background(), "EURUSD", instruments.RawSpread,
		[]store.Tick{{Symbol: "EURUSD", TS: late, Bid: 1, Ask: 1}})
	require.NoError(t, err)
	_, err = mem.AppendTicks(context.Background(), "EURUSD", instruments.Standard,
		[]store.Tick{{Symbol: "EURUSD", TS: early, Bid: 1, Ask: 2}})
	require.NoError(t, err)

	facade := newTestFacade(t, mem)
	cov, err := facade.Coverage(context.Background(), "EURUSD")
	require.NoError(t, err)

	assert.Equal(t, int64(1), cov.TickCounts[instruments.RawSpread])
	assert.Equal(t, int64(1), cov.TickCounts[instruments.Standard])
	require.NotNil(t, cov.EarliestTick)
	assert.Equal(t, early, *cov.EarliestTick)
	require.NotNil(t, cov.LatestTick)
	assert.Equal(t, late, *cov.LatestTick)
}

func TestValidateBars(t *testing.T) {
	t0 := time.Date(2024, 7, 2, 14, 0, 0, 0, time.UTC)
	good := minuteBar(t0, 1.10, 1.12, 1.09, 1.11)
	require.NoError(t, ValidateBars([]store.Bar{good}))

	cases := []struct {
		name   string
		mutate func(*store.Bar)
	}{
		{"high below low", func(b *store.Bar) { b.High = 1.0; b.Low = 1.2 }},
		{"open outside range", func(b *store.Bar) { b.Open = 2.0 }},
		{"close outside range", func(b *store.Bar) { b.Close = 0.5 }},
		{"no raw ticks", func(b *store.Bar) { b.TickCountRaw = 0 }},
		{"broken holiday conjunction", func(b *store.Bar) { b.MajorHoliday = true }},
		{"metrics without spread", func(b *store.Bar) {
			b.StdSpreadAvg = nil
			b.RangePerSpread = f64(1.5)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := minuteBar(t0, 1.10, 1.12, 1.09, 1.11)
			tc.mutate(&b)
			err := ValidateBars([]store.Bar{b})
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindValidation))
		})
	}
}
