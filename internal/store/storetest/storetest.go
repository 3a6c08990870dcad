// Package storetest provides an in-memory store.Store for tests that need
// the full persistence contract without a database.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

type tickKey struct {
	instrument string
	variant    instruments.Variant
}

// Mem implements store.Store with maps. Replace-on-key semantics match the
// real backends: re-appending existing rows inserts nothing.
type Mem struct {
	mu    sync.Mutex
	ticks map[tickKey]map[int64]store.Tick
	bars  map[string]map[int64]store.Bar
}

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{
		ticks: make(map[tickKey]map[int64]store.Tick),
		bars:  make(map[string]map[int64]store.Bar),
	}
}

func (m *Mem) EnsureSchema(ctx context.Context) error { return nil }

func (m *Mem) AppendTicks(ctx context.Context, instrument string, variant instruments.Variant, batch []store.Tick) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tickKey{instrument, variant}
	rows := m.ticks[key]
	if rows == nil {
		rows = make(map[int64]store.Tick)
		m.ticks[key] = rows
	}
	var inserted int64
	for _, t := range batch {
		k := t.TS.UTC().UnixMicro()
		if _, exists := rows[k]; !exists {
			inserted++
		}
		rows[k] = t
	}
	return inserted, nil
}

func (m *Mem) CountTicks(ctx context.Context, instrument string, variant instruments.Variant) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ticks[tickKey{instrument, variant}])), nil
}

func (m *Mem) TickRange(ctx context.Context, instrument string, variant instruments.Variant) (*time.Time, *time.Time, error) {
	keys := m.sortedTickKeys(instrument, variant)
	if len(keys) == 0 {
		return nil, nil, nil
	}
	minTS := time.UnixMicro(keys[0]).UTC()
	maxTS := time.UnixMicro(keys[len(keys)-1]).UTC()
	return &minTS, &maxTS, nil
}

func (m *Mem) ScanTicks(ctx context.Context, instrument string, variant instruments.Variant, opts store.ScanOptions) (store.TickIter, error) {
	if opts.ExtraFilter != "" {
		return nil, errs.New(errs.KindStore, "in-memory store cannot apply filter %q", opts.ExtraFilter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.ticks[tickKey{instrument, variant}]
	var out []store.Tick
	for k, t := range rows {
		ts := time.UnixMicro(k).UTC()
		if opts.Start != nil && ts.Before(*opts.Start) {
			continue
		}
		if opts.End != nil && !ts.Before(*opts.End) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return &sliceIter{ticks: out}, nil
}

func (m *Mem) DistinctMonths(ctx context.Context, instrument string, variant instruments.Variant) ([]store.YearMonth, error) {
	seen := make(map[store.YearMonth]bool)
	for _, k := range m.sortedTickKeys(instrument, variant) {
		seen[store.YearMonthOf(time.UnixMicro(k).UTC())] = true
	}
	out := make([]store.YearMonth, 0, len(seen))
	for ym := range seen {
		out = append(out, ym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Mem) DeleteBars(ctx context.Context, instrument string, start, end *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.bars[instrument]
	var deleted int64
	for k := range rows {
		ts := time.UnixMicro(k).UTC()
		if start != nil && ts.Before(*start) {
			continue
		}
		if end != nil && !ts.Before(*end) {
			continue
		}
		delete(rows, k)
		deleted++
	}
	return deleted, nil
}

func (m *Mem) UpsertBars(ctx context.Context, bars []store.Bar) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		rows := m.bars[b.Symbol]
		if rows == nil {
			rows = make(map[int64]store.Bar)
			m.bars[b.Symbol] = rows
		}
		rows[b.TS.UTC().UnixMicro()] = b
	}
	return int64(len(bars)), nil
}

func (m *Mem) ScanBars(ctx context.Context, instrument string, start, end *time.Time) ([]store.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Bar
	for k, b := range m.bars[instrument] {
		ts := time.UnixMicro(k).UTC()
		if start != nil && ts.Before(*start) {
			continue
		}
		if end != nil && !ts.Before(*end) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

func (m *Mem) BarCount(ctx context.Context, instrument string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.bars[instrument])), nil
}

func (m *Mem) StorageBytes(ctx context.Context, instrument string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rows := range m.ticks {
		if key.instrument == instrument {
			n += int64(len(rows)) * 32
		}
	}
	n += int64(len(m.bars[instrument])) * 128
	return n, nil
}

func (m *Mem) Close() error { return nil }

func (m *Mem) sortedTickKeys(instrument string, variant instruments.Variant) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.ticks[tickKey{instrument, variant}]
	keys := make([]int64, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

type sliceIter struct {
	ticks []store.Tick
	pos   int
}

func (it *sliceIter) Next() bool {
	if it.pos >= len(it.ticks) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIter) Tick() store.Tick { return it.ticks[it.pos-1] }
func (it *sliceIter) Err() error       { return nil }
func (it *sliceIter) Close() error     { return nil }

var _ store.Store = (*Mem)(nil)
