package update

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/tickvault/internal/archive"
	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/gaps"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/ohlc"
	"github.com/tickvault/tickvault/internal/store"
	"github.com/tickvault/tickvault/internal/store/storetest"
)

func makeArchive(t *testing.T, csvBody string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("ticks.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte("Timestamp,Bid,Ask\n" + csvBody))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// mirror serves fixture archives under the upstream URL layout. Months
// without a fixture answer 404.
type mirror struct {
	mux    *http.ServeMux
	server *httptest.Server
}

func newMirror(t *testing.T) *mirror {
	t.Helper()
	m := &mirror{mux: http.NewServeMux()}
	m.server = httptest.NewServer(m.mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mirror) serve(instrument string, variant instruments.Variant, ym store.YearMonth, body []byte) {
	symbol := variant.ArchiveSymbol(instrument)
	path := fmt.Sprintf("/ticks/%s/%04d/%02d/Exness_%s_%04d_%02d.zip",
		symbol, ym.Year, int(ym.Month), symbol, ym.Year, int(ym.Month))
	m.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	})
}

func newTestOrchestrator(t *testing.T, mem *storetest.Mem, m *mirror, now time.Time) *Orchestrator {
	t.Helper()
	reg, err := exchange.NewRegistry()
	require.NoError(t, err)
	det, err := exchange.NewDetector(reg)
	require.NoError(t, err)
	nowFn := func() time.Time { return now }
	engine, err := ohlc.NewEngine(mem, det, reg, nowFn)
	require.NoError(t, err)
	downloader := archive.NewDownloader(archive.DownloaderConfig{
		BaseURL:    m.server.URL + "/ticks",
		ScratchDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})
	return New(mem, gaps.NewDetector(mem, nowFn), downloader, engine, nil, 3)
}

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func seedMirror(t *testing.T, m *mirror) {
	jan := store.YearMonth{Year: 2024, Month: time.January}
	mar := store.YearMonth{Year: 2024, Month: time.March}

	m.serve("EURUSD", instruments.RawSpread, jan, makeArchive(t,
		"2024-01-10T10:00:00Z,1.0930,1.0931\n"+
			"2024-01-10T10:01:00Z,1.0932,1.0933\n"))
	m.serve("EURUSD", instruments.Standard, jan, makeArchive(t,
		"2024-01-10T09:59:00Z,1.0929,1.0932\n"))

	// February: raw variant absent upstream, standard present. The whole
	// month must be skipped.
	m.serve("EURUSD", instruments.Standard, store.YearMonth{Year: 2024, Month: time.February},
		makeArchive(t, "2024-02-05T10:00:00Z,1.08,1.0803\n"))

	m.serve("EURUSD", instruments.RawSpread, mar, makeArchive(t,
		"2024-03-05T12:00:00Z,1.0850,1.0851\n"))
	m.serve("EURUSD", instruments.Standard, mar, makeArchive(t,
		"2024-03-05T11:59:00Z,1.0849,1.0852\n"))
}

func TestUpdateFetchesMissingMonths(t *testing.T) {
	mem := storetest.New()
	m := newMirror(t)
	seedMirror(t, m)
	orch := newTestOrchestrator(t, mem, m, testNow)

	report, err := orch.Update(context.Background(), "EURUSD",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, "EURUSD", report.Instrument)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.MonthsAdded)
	assert.Equal(t, []store.YearMonth{{Year: 2024, Month: time.February}}, report.SkippedMonths)
	assert.Equal(t, int64(3), report.TicksAdded[instruments.RawSpread])
	assert.Equal(t, int64(2), report.TicksAdded[instruments.Standard])
	// Two January minutes plus one March minute.
	assert.Equal(t, int64(3), report.OHLCBarsTotal)
	assert.Positive(t, report.StorageBytes)

	// Month details arrive in ascending order.
	require.Len(t, report.Months, 3)
	assert.Equal(t, store.YearMonth{Year: 2024, Month: time.January}, report.Months[0].Month)
	assert.Equal(t, int64(2), report.Months[0].RawTicks)
	assert.True(t, report.Months[1].Skipped)
	assert.Equal(t, store.YearMonth{Year: 2024, Month: time.March}, report.Months[2].Month)

	bars, err := mem.ScanBars(context.Background(), "EURUSD", nil, nil)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 1.0930, bars[0].Open)
	require.NotNil(t, bars[0].TickCountStd)
}

func TestUpdateIsIdempotent(t *testing.T) {
	mem := storetest.New()
	m := newMirror(t)
	seedMirror(t, m)
	orch := newTestOrchestrator(t, mem, m, testNow)

	earliest := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := orch.Update(context.Background(), "EURUSD", earliest)
	require.NoError(t, err)

	second, err := orch.Update(context.Background(), "EURUSD", earliest)
	require.NoError(t, err)

	// Only the still-missing February is retried, and it skips again.
	assert.Equal(t, 0, second.MonthsAdded)
	assert.Equal(t, []store.YearMonth{{Year: 2024, Month: time.February}}, second.SkippedMonths)
	assert.Zero(t, second.TicksAdded[instruments.RawSpread])
	assert.Equal(t, int64(3), second.OHLCBarsTotal)
}

func TestUpdateNothingMissing(t *testing.T) {
	mem := storetest.New()
	_, err := mem.AppendTicks(context.Background(), "EURUSD", instruments.RawSpread,
		[]store.Tick{{Symbol: "EURUSD", TS: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Bid: 1, Ask: 1}})
	require.NoError(t, err)

	m := newMirror(t)
	orch := newTestOrchestrator(t, mem, m, testNow)
	report, err := orch.Update(context.Background(), "EURUSD",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, report.MonthsAdded)
	assert.Empty(t, report.Months)
}

func TestUpdateTransportFailureIsFatal(t *testing.T) {
	mem := storetest.New()
	m := newMirror(t)
	ym := store.YearMonth{Year: 2024, Month: time.March}
	symbol := instruments.RawSpread.ArchiveSymbol("EURUSD")
	m.mux.HandleFunc(fmt.Sprintf("/ticks/%s/2024/03/Exness_%s_2024_03.zip", symbol, symbol),
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
	m.serve("EURUSD", instruments.Standard, ym, makeArchive(t, "2024-03-05T11:59:00Z,1.0849,1.0852\n"))

	orch := newTestOrchestrator(t, mem, m, testNow)
	_, err := orch.Update(context.Background(), "EURUSD",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTransport))

	// Nothing was committed for the failed month.
	n, err := mem.CountTicks(context.Background(), "EURUSD", instruments.RawSpread)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateMalformedArchiveIsFatal(t *testing.T) {
	mem := storetest.New()
	m := newMirror(t)
	ym := store.YearMonth{Year: 2024, Month: time.March}
	m.serve("EURUSD", instruments.RawSpread, ym, []byte("not a zip"))
	m.serve("EURUSD", instruments.Standard, ym, makeArchive(t, "2024-03-05T11:59:00Z,1.0849,1.0852\n"))

	orch := newTestOrchestrator(t, mem, m, testNow)
	_, err := orch.Update(context.Background(), "EURUSD",
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMalformedArchive))
}

// Each worker downloads one variant at a time, so the pool size caps the
// mirror's concurrent requests even though every month needs two archives.
func TestUpdateBoundsInFlightDownloads(t *testing.T) {
	mem := storetest.New()
	m := newMirror(t)

	var inFlight, peak atomic.Int32
	months := []store.YearMonth{
		{Year: 2024, Month: time.January},
		{Year: 2024, Month: time.February},
		{Year: 2024, Month: time.March},
	}
	for _, ym := range months {
		for _, variant := range instruments.Variants {
			body := makeArchive(t, fmt.Sprintf("%04d-%02d-05T10:00:00Z,1.0930,1.0931\n",
				ym.Year, int(ym.Month)))
			symbol := variant.ArchiveSymbol("EURUSD")
			path := fmt.Sprintf("/ticks/%s/%04d/%02d/Exness_%s_%04d_%02d.zip",
				symbol, ym.Year, int(ym.Month), symbol, ym.Year, int(ym.Month))
			m.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				_, _ = w.Write(body)
			})
		}
	}

	reg, err := exchange.NewRegistry()
	require.NoError(t, err)
	det, err := exchange.NewDetector(reg)
	require.NoError(t, err)
	nowFn := func() time.Time { return testNow }
	engine, err := ohlc.NewEngine(mem, det, reg, nowFn)
	require.NoError(t, err)
	downloader := archive.NewDownloader(archive.DownloaderConfig{
		BaseURL:    m.server.URL + "/ticks",
		ScratchDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})
	orch := New(mem, gaps.NewDetector(mem, nowFn), downloader, engine, nil, 2)

	report, err := orch.Update(context.Background(), "EURUSD",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 3, report.MonthsAdded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestUpdateRejectsUnknownInstrument(t *testing.T) {
	orch := newTestOrchestrator(t, storetest.New(), newMirror(t), testNow)
	_, err := orch.Update(context.Background(), "DOGEUSD", testNow)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInvalidInstrument))
}
