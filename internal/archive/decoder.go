package archive

import (
	"archive/zip"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/store"
)

// DecodeBatchSize is the number of ticks handed to the sink per call.
const DecodeBatchSize = 50_000

// Timestamp layouts accepted in upstream CSVs. Naive forms are taken as UTC.
var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Decode streams the ticks of a downloaded archive to sink in arrival
// order. The archive must contain exactly one CSV member with at least the
// Timestamp, Bid, and Ask columns (matched by name, any order, extras
// ignored). Any structural or parse failure is a MalformedArchive error.
// The handle is not released; that stays with the caller.
func Decode(h *Handle, sink func([]store.Tick) error) (int64, error) {
	r, err := zip.OpenReader(h.Path)
	if err != nil {
		return 0, malformed(h, err, "failed to open archive")
	}
	defer r.Close()

	var member *zip.File
	for _, f := range r.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			if member != nil {
				return 0, malformed(h, nil, "archive holds more than one CSV member")
			}
			member = f
		}
	}
	if member == nil {
		return 0, malformed(h, nil, "archive holds no CSV member")
	}

	rc, err := member.Open()
	if err != nil {
		return 0, malformed(h, err, "failed to open CSV member %s", member.Name)
	}
	defer rc.Close()

	return decodeCSV(h, rc, sink)
}

func decodeCSV(h *Handle, r io.Reader, sink func([]store.Tick) error) (int64, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return 0, malformed(h, err, "failed to read CSV header")
	}
	// Columns are located by name; upstream occasionally reorders them and
	// prepends extras like Exness and Symbol.
	tsCol, bidCol, askCol := -1, -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "Timestamp":
			tsCol = i
		case "Bid":
			bidCol = i
		case "Ask":
			askCol = i
		}
	}
	if tsCol < 0 || bidCol < 0 || askCol < 0 {
		return 0, malformed(h, nil, "CSV header %v lacks Timestamp/Bid/Ask", header)
	}

	var (
		total int64
		batch = make([]store.Tick, 0, DecodeBatchSize)
		line  = 1
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return total, malformed(h, err, "failed to read CSV line %d", line)
		}
		if len(record) <= tsCol || len(record) <= bidCol || len(record) <= askCol {
			return total, malformed(h, nil, "CSV line %d is short", line)
		}

		ts, err := parseTimestamp(record[tsCol])
		if err != nil {
			return total, malformed(h, err, "bad timestamp on line %d", line)
		}
		bid, err := parsePrice(record[bidCol])
		if err != nil {
			return total, malformed(h, err, "bad bid on line %d", line)
		}
		ask, err := parsePrice(record[askCol])
		if err != nil {
			return total, malformed(h, err, "bad ask on line %d", line)
		}

		batch = append(batch, store.Tick{Symbol: h.Instrument, TS: ts, Bid: bid, Ask: ask})
		total++
		if len(batch) == DecodeBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range tsLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errs.New(errs.KindMalformedArchive, "price %q is not finite", s)
	}
	if v < 0 {
		return 0, errs.New(errs.KindMalformedArchive, "price %q is negative", s)
	}
	return v, nil
}

func malformed(h *Handle, err error, format string, args ...interface{}) *errs.Error {
	e := errs.Wrap(errs.KindMalformedArchive, err, format, args...)
	return e.WithMonth(h.Instrument, h.Month.Year, h.Month.Month)
}
