// Package telemetry exposes update-pipeline metrics and an optional HTTP
// listener serving them.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	ArchivesFetched *prometheus.CounterVec
	ArchivesMissing *prometheus.CounterVec
	TicksAppended   *prometheus.CounterVec
	BarsWritten     *prometheus.CounterVec
	UpdateDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New builds and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		ArchivesFetched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickvault_archives_fetched_total",
				Help: "Monthly archives downloaded from the mirror.",
			},
			[]string{"instrument", "variant"},
		),
		ArchivesMissing: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickvault_archives_missing_total",
				Help: "Months skipped because the mirror answered 404.",
			},
			[]string{"instrument", "variant"},
		),
		TicksAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickvault_ticks_appended_total",
				Help: "New tick rows acknowledged by the store.",
			},
			[]string{"instrument", "variant"},
		),
		BarsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickvault_ohlc_bars_written_total",
				Help: "OHLC bars upserted by the derivation engine.",
			},
			[]string{"instrument"},
		),
		UpdateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickvault_update_duration_seconds",
				Help:    "Wall time per instrument update.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"instrument"},
		),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.ArchivesFetched, m.ArchivesMissing, m.TicksAppended, m.BarsWritten, m.UpdateDuration)
	return m
}

// Serve runs /metrics and /healthz on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
