package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tickvault/tickvault/internal/archive"
	"github.com/tickvault/tickvault/internal/config"
	"github.com/tickvault/tickvault/internal/exchange"
	"github.com/tickvault/tickvault/internal/gaps"
	"github.com/tickvault/tickvault/internal/ohlc"
	"github.com/tickvault/tickvault/internal/query"
	"github.com/tickvault/tickvault/internal/store"
	"github.com/tickvault/tickvault/internal/store/postgres"
	"github.com/tickvault/tickvault/internal/store/sqlite"
	"github.com/tickvault/tickvault/internal/telemetry"
	"github.com/tickvault/tickvault/internal/update"
)

// app bundles everything a subcommand needs. Close releases the store.
type app struct {
	opts     config.Options
	store    store.Store
	registry *exchange.Registry
	facade   *query.Facade
	metrics  *telemetry.Metrics
}

func (a *app) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// newApp resolves config from the --config flag plus environment and opens
// the configured backend.
func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	opts, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	reg, err := exchange.NewRegistry()
	if err != nil {
		return nil, err
	}

	var s store.Store
	switch opts.BackendMode {
	case config.BackendEmbedded:
		s = sqlite.New(opts.BaseDir, reg)
	case config.BackendRemote:
		s, err = postgres.New(postgres.DefaultConfig(opts.Remote.DSN()), reg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to remote backend: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown backend mode %q", opts.BackendMode)
	}

	return &app{
		opts:     opts,
		store:    s,
		registry: reg,
		facade:   query.New(s, reg),
		metrics:  telemetry.New(),
	}, nil
}

// newOrchestrator wires the update pipeline on top of an open app.
func (a *app) newOrchestrator() (*update.Orchestrator, error) {
	detector, err := exchange.NewDetector(a.registry)
	if err != nil {
		return nil, err
	}
	engine, err := ohlc.NewEngine(a.store, detector, a.registry, nil)
	if err != nil {
		return nil, err
	}
	downloader := archive.NewDownloader(archive.DownloaderConfig{
		BaseURL:    a.opts.ArchiveBaseURL,
		ScratchDir: a.opts.ScratchDir(),
		Timeout:    a.opts.HTTPTimeout(),
	})
	detect := gaps.NewDetector(a.store, nil)
	return update.New(a.store, detect, downloader, engine, a.metrics, a.opts.DownloadParallelism), nil
}
