// Package config resolves tickvault options from explicit parameters,
// TICKVAULT_* environment variables, a YAML config file, and documented
// defaults, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend modes.
const (
	BackendEmbedded = "embedded"
	BackendRemote   = "remote"
)

// Remote holds connection options for the remote Postgres backend.
type Remote struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	TLSMode  string `yaml:"tls_mode"`
}

// DSN renders a lib/pq connection string.
func (r Remote) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		r.Host, r.Port, r.Database, r.User, r.Password, r.TLSMode)
}

// Options is the full option set. Every field has a documented default;
// there are no hidden ones.
type Options struct {
	// BaseDir is the root for embedded database files and download scratch.
	BaseDir string `yaml:"base_dir"`
	// ArchiveBaseURL points at the published broker mirror.
	ArchiveBaseURL string `yaml:"archive_base_url"`
	// DefaultStartDate is the earliest month fetched for a fresh instrument,
	// formatted YYYY-MM-DD.
	DefaultStartDate string `yaml:"default_start_date"`
	// HTTPTimeoutSeconds is the per-archive download deadline.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds"`
	// DownloadParallelism bounds in-flight archive downloads per update.
	DownloadParallelism int `yaml:"download_parallelism"`
	// BackendMode selects "embedded" or "remote" storage.
	BackendMode string `yaml:"backend_mode"`
	Remote      Remote `yaml:"remote"`
}

// Default returns the documented defaults.
func Default() Options {
	return Options{
		BaseDir:             filepath.Join(os.TempDir(), "tickvault"),
		ArchiveBaseURL:      "https://ticks.ex2archive.com/ticks",
		DefaultStartDate:    "2021-01-01",
		HTTPTimeoutSeconds:  120,
		DownloadParallelism: 6,
		BackendMode:         BackendEmbedded,
		Remote: Remote{
			Host:    "localhost",
			Port:    5432,
			TLSMode: "disable",
		},
	}
}

// Load resolves options: defaults, then the YAML file at path (skipped when
// path is empty or absent), then environment overrides. Callers apply
// explicit parameters on the returned value afterwards.
func Load(path string) (Options, error) {
	opts := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return opts, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &opts); err != nil {
				return opts, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	opts.applyEnv()

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// DefaultPath returns the user config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tickvault", "config.yaml")
}

func (o *Options) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&o.BaseDir, "TICKVAULT_BASE_DIR")
	setStr(&o.ArchiveBaseURL, "TICKVAULT_ARCHIVE_BASE_URL")
	setStr(&o.DefaultStartDate, "TICKVAULT_DEFAULT_START_DATE")
	setInt(&o.HTTPTimeoutSeconds, "TICKVAULT_HTTP_TIMEOUT_SECONDS")
	setInt(&o.DownloadParallelism, "TICKVAULT_DOWNLOAD_PARALLELISM")
	setStr(&o.BackendMode, "TICKVAULT_BACKEND_MODE")
	setStr(&o.Remote.Host, "TICKVAULT_PG_HOST")
	setInt(&o.Remote.Port, "TICKVAULT_PG_PORT")
	setStr(&o.Remote.Database, "TICKVAULT_PG_DATABASE")
	setStr(&o.Remote.User, "TICKVAULT_PG_USER")
	setStr(&o.Remote.Password, "TICKVAULT_PG_PASSWORD")
	setStr(&o.Remote.TLSMode, "TICKVAULT_PG_TLS_MODE")
}

// Validate checks cross-field constraints.
func (o Options) Validate() error {
	if o.BackendMode != BackendEmbedded && o.BackendMode != BackendRemote {
		return fmt.Errorf("backend_mode must be %q or %q, got %q", BackendEmbedded, BackendRemote, o.BackendMode)
	}
	if o.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("http_timeout_seconds must be positive, got %d", o.HTTPTimeoutSeconds)
	}
	if o.DownloadParallelism <= 0 {
		return fmt.Errorf("download_parallelism must be positive, got %d", o.DownloadParallelism)
	}
	if _, err := o.StartDate(); err != nil {
		return err
	}
	if o.BackendMode == BackendRemote && o.Remote.Database == "" {
		return fmt.Errorf("remote backend requires a database name")
	}
	return nil
}

// StartDate parses DefaultStartDate.
func (o Options) StartDate() (time.Time, error) {
	t, err := time.Parse("2006-01-02", o.DefaultStartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse default_start_date %q: %w", o.DefaultStartDate, err)
	}
	return t.UTC(), nil
}

// HTTPTimeout returns the download deadline as a duration.
func (o Options) HTTPTimeout() time.Duration {
	return time.Duration(o.HTTPTimeoutSeconds) * time.Second
}

// ScratchDir is where monthly archives land before decode. Safe to delete
// between runs.
func (o Options) ScratchDir() string {
	return filepath.Join(o.BaseDir, "scratch")
}
