package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/store"
)

// writeZip builds an archive on disk from member name to content.
func writeZip(t *testing.T, members map[string]string) *Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return &Handle{
		Path:       path,
		Instrument: "EURUSD",
		Month:      store.YearMonth{Year: 2024, Month: time.January},
	}
}

func collect(t *testing.T, h *Handle) ([]store.Tick, int64, error) {
	t.Helper()
	var ticks []store.Tick
	n, err := Decode(h, func(batch []store.Tick) error {
		ticks = append(ticks, batch...)
		return nil
	})
	return ticks, n, err
}

func TestDecodeBasicCSV(t *testing.T) {
	h := writeZip(t, map[string]string{
		"Exness_EURUSD_2024_01.csv": "Timestamp,Bid,Ask\n" +
			"2024-01-02T10:00:00.125Z,1.10001,1.10003\n" +
			"2024-01-02 10:00:01.250,1.10002,1.10002\n",
	})
	ticks, n, err := collect(t, h)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.Len(t, ticks, 2)

	assert.Equal(t, "EURUSD", ticks[0].Symbol)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 125_000_000, time.UTC), ticks[0].TS)
	assert.Equal(t, 1.10001, ticks[0].Bid)
	assert.Equal(t, 1.10003, ticks[0].Ask)
	// Naive timestamps are taken as UTC; zero spread is legal.
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 1, 250_000_000, time.UTC), ticks[1].TS)
	assert.Equal(t, ticks[1].Bid, ticks[1].Ask)
}

func TestDecodeLocatesColumnsByName(t *testing.T) {
	h := writeZip(t, map[string]string{
		"data.csv": "Exness,Symbol,Ask,Bid,Timestamp\n" +
			"Exness,EURUSD,1.2001,1.2000,2024-01-05T08:30:00Z\n",
	})
	ticks, _, err := collect(t, h)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, 1.2000, ticks[0].Bid)
	assert.Equal(t, 1.2001, ticks[0].Ask)
}

func TestDecodeMissingColumn(t *testing.T) {
	h := writeZip(t, map[string]string{
		"data.csv": "Time,Bid,Ask\n2024-01-05T08:30:00Z,1,2\n",
	})
	_, _, err := collect(t, h)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMalformedArchive))
}

func TestDecodeRejectsBadPrices(t *testing.T) {
	cases := []struct {
		name string
		row  string
	}{
		{"nan bid", "2024-01-05T08:30:00Z,NaN,1.2\n"},
		{"inf ask", "2024-01-05T08:30:00Z,1.2,+Inf\n"},
		{"negative bid", "2024-01-05T08:30:00Z,-1.2,1.2\n"},
		{"non numeric", "2024-01-05T08:30:00Z,abc,1.2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := writeZip(t, map[string]string{"data.csv": "Timestamp,Bid,Ask\n" + tc.row})
			_, _, err := collect(t, h)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindMalformedArchive))
		})
	}
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	h := writeZip(t, map[string]string{
		"data.csv": "Timestamp,Bid,Ask\n05/01/2024 08:30,1.2,1.2\n",
	})
	_, _, err := collect(t, h)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMalformedArchive))
}

func TestDecodeRequiresExactlyOneCSV(t *testing.T) {
	none := writeZip(t, map[string]string{"readme.txt": "hi"})
	_, _, err := collect(t, none)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMalformedArchive))

	two := writeZip(t, map[string]string{
		"a.csv": "Timestamp,Bid,Ask\n",
		"b.csv": "Timestamp,Bid,Ask\n",
	})
	_, _, err = collect(t, two)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindMalformedArchive))
}

func TestDecodeErrorCarriesMonthContext(t *testing.T) {
	h := writeZip(t, map[string]string{"readme.txt": "hi"})
	_, _, err := collect(t, h)
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "EURUSD", e.Instrument)
	assert.Equal(t, 2024, e.Year)
	assert.Equal(t, time.January, e.Month)
}

func TestHandleReleaseIdempotent(t *testing.T) {
	h := writeZip(t, map[string]string{"data.csv": "Timestamp,Bid,Ask\n"})
	h.Release()
	_, statErr := os.Stat(h.Path)
	assert.True(t, os.IsNotExist(statErr))
	h.Release()

	var nilHandle *Handle
	nilHandle.Release()
}
