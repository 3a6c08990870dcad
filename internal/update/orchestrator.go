// Package update drives the per-instrument pipeline: gap detection,
// concurrent archive fetch and decode, ordered append, and incremental OHLC
// regeneration.
package update

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tickvault/tickvault/internal/archive"
	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/gaps"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/ohlc"
	"github.com/tickvault/tickvault/internal/store"
	"github.com/tickvault/tickvault/internal/telemetry"
)

// MonthDetail records the outcome for one fetched month.
type MonthDetail struct {
	Month    store.YearMonth
	Skipped  bool
	RawTicks int64
	StdTicks int64
}

// Report is returned only on success; a fatal error surfaces instead,
// with every complete month preceding it already committed.
type Report struct {
	RunID      string
	Instrument string

	MonthsAdded   int
	SkippedMonths []store.YearMonth
	TicksAdded    map[instruments.Variant]int64
	OHLCBarsTotal int64
	StorageBytes  int64
	Elapsed       time.Duration
	Months        []MonthDetail
}

// Orchestrator coordinates one instrument per Update call. Instances are
// safe for concurrent use across instruments; the store serializes writes
// per (instrument, variant, month).
type Orchestrator struct {
	store       store.Store
	gaps        *gaps.Detector
	downloader  *archive.Downloader
	engine      *ohlc.Engine
	metrics     *telemetry.Metrics
	parallelism int
}

// New builds an orchestrator. metrics may be nil.
func New(s store.Store, g *gaps.Detector, d *archive.Downloader, e *ohlc.Engine, m *telemetry.Metrics, parallelism int) *Orchestrator {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Orchestrator{
		store:       s,
		gaps:        g,
		downloader:  d,
		engine:      e,
		metrics:     m,
		parallelism: parallelism,
	}
}

// monthResult is what a fetch worker hands to the serial writer.
type monthResult struct {
	month    store.YearMonth
	skipped  bool
	rawTicks []store.Tick
	stdTicks []store.Tick
	err      error
}

// Update fetches every missing month for the instrument, appends the ticks
// in ascending month order, and regenerates OHLC incrementally from the
// earliest added month. Cancellation stops scheduling new months and drains
// the in-flight ones; committed months stay durable.
func (o *Orchestrator) Update(ctx context.Context, instrument string, earliest time.Time) (*Report, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}
	started := time.Now()
	report := &Report{
		RunID:      uuid.NewString(),
		Instrument: instrument,
		TicksAdded: map[instruments.Variant]int64{instruments.RawSpread: 0, instruments.Standard: 0},
	}
	logger := log.With().Str("run_id", report.RunID).Str("instrument", instrument).Logger()

	if err := o.store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	missing, err := o.gaps.MissingMonths(ctx, instrument, earliest)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		logger.Info().Msg("no months needed")
		report.Elapsed = time.Since(started)
		return report, nil
	}
	logger.Info().Int("months", len(missing)).
		Stringer("first", missing[0]).Stringer("last", missing[len(missing)-1]).
		Msg("update started")

	// Fetch and decode run in a bounded pool; the loop below is the serial
	// writer, consuming results in ascending month order so month M is
	// durable before M+1 completes.
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type pending struct {
		month store.YearMonth
		ch    chan monthResult
	}
	launched := make(chan pending, len(missing))
	sem := make(chan struct{}, o.parallelism)
	go func() {
		defer close(launched)
		for _, ym := range missing {
			select {
			case sem <- struct{}{}:
			case <-workCtx.Done():
				return
			}
			p := pending{month: ym, ch: make(chan monthResult, 1)}
			go func() {
				defer func() { <-sem }()
				p.ch <- o.fetchMonth(workCtx, instrument, p.month)
			}()
			launched <- p
		}
	}()

	var (
		fatal         error
		earliestAdded *store.YearMonth
	)
	for p := range launched {
		res := <-p.ch
		if fatal != nil {
			// Draining after a failure; decoded ticks are dropped.
			continue
		}
		switch {
		case res.err != nil:
			fatal = res.err
			cancel()
		case res.skipped:
			report.SkippedMonths = append(report.SkippedMonths, res.month)
			report.Months = append(report.Months, MonthDetail{Month: res.month, Skipped: true})
		default:
			detail, err := o.commitMonth(ctx, instrument, res)
			if err != nil {
				fatal = err
				cancel()
				continue
			}
			report.Months = append(report.Months, detail)
			report.MonthsAdded++
			report.TicksAdded[instruments.RawSpread] += detail.RawTicks
			report.TicksAdded[instruments.Standard] += detail.StdTicks
			if earliestAdded == nil {
				ym := res.month
				earliestAdded = &ym
			}
		}
	}
	if fatal != nil {
		return nil, fatal
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if earliestAdded != nil {
		from := earliestAdded.Start()
		bars, err := o.engine.Regenerate(ctx, instrument, &from, nil)
		if err != nil {
			return nil, err
		}
		if o.metrics != nil {
			o.metrics.BarsWritten.WithLabelValues(instrument).Add(float64(bars))
		}
		logger.Info().Stringer("from", *earliestAdded).Int64("bars", bars).Msg("ohlc regenerated")
	}

	total, err := o.store.BarCount(ctx, instrument)
	if err != nil {
		return nil, err
	}
	report.OHLCBarsTotal = total
	size, err := o.store.StorageBytes(ctx, instrument)
	if err != nil {
		return nil, err
	}
	report.StorageBytes = size
	report.Elapsed = time.Since(started)

	if o.metrics != nil {
		o.metrics.UpdateDuration.WithLabelValues(instrument).Observe(report.Elapsed.Seconds())
	}
	logger.Info().Int("months_added", report.MonthsAdded).
		Int64("raw_ticks", report.TicksAdded[instruments.RawSpread]).
		Int64("standard_ticks", report.TicksAdded[instruments.Standard]).
		Int64("bars_total", report.OHLCBarsTotal).
		Dur("elapsed", report.Elapsed).
		Msg("update finished")
	return report, nil
}

// fetchMonth downloads and decodes both variants of one month, raw spread
// first, so a worker holds at most one download at a time and the pool size
// bounds the in-flight total. A 404 on either variant skips the month
// entirely: a single-variant month would produce misleading bars.
func (o *Orchestrator) fetchMonth(ctx context.Context, instrument string, ym store.YearMonth) monthResult {
	res := monthResult{month: ym}
	for _, variant := range instruments.Variants {
		ticks, skipped, err := o.fetchVariant(ctx, instrument, variant, ym)
		if err != nil {
			res.err = err
			return res
		}
		if skipped {
			res.skipped = true
			return res
		}
		if variant == instruments.RawSpread {
			res.rawTicks = ticks
		} else {
			res.stdTicks = ticks
		}
	}
	return res
}

func (o *Orchestrator) fetchVariant(ctx context.Context, instrument string, variant instruments.Variant, ym store.YearMonth) ([]store.Tick, bool, error) {
	handle, err := o.downloader.Fetch(ctx, instrument, variant, ym)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			log.Warn().Str("instrument", instrument).Stringer("month", ym).
				Str("variant", string(variant)).
				Str("url", o.downloader.URL(instrument, variant, ym)).
				Msg("archive missing upstream, month skipped")
			if o.metrics != nil {
				o.metrics.ArchivesMissing.WithLabelValues(instrument, string(variant)).Inc()
			}
			return nil, true, nil
		}
		return nil, false, err
	}
	defer handle.Release()

	var ticks []store.Tick
	n, err := archive.Decode(handle, func(batch []store.Tick) error {
		ticks = append(ticks, batch...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if o.metrics != nil {
		o.metrics.ArchivesFetched.WithLabelValues(instrument, string(variant)).Inc()
	}
	log.Debug().Str("instrument", instrument).Stringer("month", ym).
		Str("variant", string(variant)).Int64("ticks", n).Msg("archive decoded")
	return ticks, false, nil
}

// commitMonth appends both variants of a decoded month to the store.
func (o *Orchestrator) commitMonth(ctx context.Context, instrument string, res monthResult) (MonthDetail, error) {
	detail := MonthDetail{Month: res.month}

	raw, err := o.store.AppendTicks(ctx, instrument, instruments.RawSpread, res.rawTicks)
	if err != nil {
		return detail, err
	}
	detail.RawTicks = raw

	std, err := o.store.AppendTicks(ctx, instrument, instruments.Standard, res.stdTicks)
	if err != nil {
		return detail, err
	}
	detail.StdTicks = std

	if o.metrics != nil {
		o.metrics.TicksAppended.WithLabelValues(instrument, string(instruments.RawSpread)).Add(float64(raw))
		o.metrics.TicksAppended.WithLabelValues(instrument, string(instruments.Standard)).Add(float64(std))
	}
	return detail, nil
}
