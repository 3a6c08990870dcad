// Package archive fetches monthly tick archives from the broker mirror and
// decodes them into typed tick batches.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tickvault/tickvault/internal/errs"
	"github.com/tickvault/tickvault/internal/instruments"
	"github.com/tickvault/tickvault/internal/store"
)

// DownloaderConfig configures the archive fetcher.
type DownloaderConfig struct {
	// BaseURL is the mirror root including the /ticks path segment.
	BaseURL string
	// ScratchDir receives downloaded archives before decode.
	ScratchDir string
	// Timeout is the per-archive deadline.
	Timeout time.Duration
	// RequestsPerSecond throttles the mirror; zero disables throttling.
	RequestsPerSecond float64
}

// Handle is a downloaded archive on scratch space. It must be consumed once
// and released on all exit paths.
type Handle struct {
	URL        string
	Path       string
	Instrument string
	Variant    instruments.Variant
	Month      store.YearMonth

	released bool
}

// Release deletes the scratch file. Idempotent.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", h.Path).Msg("failed to remove archive scratch file")
	}
}

// Downloader fetches monthly archives with a polite rate limit and a
// circuit breaker so a mirror outage fails the run fast instead of
// hammering it month by month.
type Downloader struct {
	config  DownloaderConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewDownloader builds a downloader. The breaker trips only on transport
// failures; a 404 is an expected answer and never counts against it.
func NewDownloader(config DownloaderConfig) *Downloader {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "archive-mirror",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Downloader{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		breaker: breaker,
	}
}

// URL renders the archive URL for one (instrument, variant, month).
func (d *Downloader) URL(instrument string, variant instruments.Variant, ym store.YearMonth) string {
	symbol := variant.ArchiveSymbol(instrument)
	return fmt.Sprintf("%s/%s/%04d/%02d/Exness_%s_%04d_%02d.zip",
		d.config.BaseURL, symbol, ym.Year, int(ym.Month), symbol, ym.Year, int(ym.Month))
}

// Fetch downloads one monthly archive. A 404 is a NotFound error (the month
// is skippable); every other failure, including the deadline, is a
// TransportError fatal for the run.
func (d *Downloader) Fetch(ctx context.Context, instrument string, variant instruments.Variant, ym store.YearMonth) (*Handle, error) {
	if err := instruments.Validate(instrument); err != nil {
		return nil, err
	}
	url := d.URL(instrument, variant, ym)

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "rate limit wait failed").
			WithMonth(instrument, ym.Year, ym.Month)
	}

	result, err := d.breaker.Execute(func() (interface{}, error) {
		return d.fetchOnce(ctx, url, instrument, variant, ym)
	})
	if err != nil {
		var e *errs.Error
		if !errors.As(err, &e) {
			// Breaker-originating errors (open state, too many requests)
			// arrive unclassified.
			e = errs.Wrap(errs.KindTransport, err, "mirror circuit rejected %s", url)
		}
		return nil, e.WithMonth(instrument, ym.Year, ym.Month)
	}
	if result == nil {
		return nil, errs.New(errs.KindNotFound, "archive %s does not exist upstream", url).
			WithMonth(instrument, ym.Year, ym.Month)
	}
	return result.(*Handle), nil
}

// fetchOnce performs the HTTP exchange and spools the body to scratch.
// It returns (nil, nil) for a 404 so missing months never trip the breaker.
func (d *Downloader) fetchOnce(ctx context.Context, url, instrument string, variant instruments.Variant, ym store.YearMonth) (*Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "failed to build request for %s", url)
	}
	req.Header.Set("User-Agent", "tickvault/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "failed to fetch %s", url)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, errs.New(errs.KindTransport, "unexpected status %d for %s", resp.StatusCode, url)
	}

	if err := os.MkdirAll(d.config.ScratchDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to create scratch directory")
	}
	f, err := os.CreateTemp(d.config.ScratchDir,
		fmt.Sprintf("%s_%04d_%02d_*.zip", variant.ArchiveSymbol(instrument), ym.Year, int(ym.Month)))
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, err, "failed to create scratch file")
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errs.Wrap(errs.KindTransport, err, "failed to download %s", url)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, errs.Wrap(errs.KindStore, err, "failed to close scratch file")
	}

	log.Debug().Str("url", url).Str("path", filepath.Base(f.Name())).Msg("archive downloaded")
	return &Handle{
		URL:        url,
		Path:       f.Name(),
		Instrument: instrument,
		Variant:    variant,
		Month:      ym,
	}, nil
}
