package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	opts := Default()
	assert.Equal(t, "https://ticks.ex2archive.com/ticks", opts.ArchiveBaseURL)
	assert.Equal(t, "2021-01-01", opts.DefaultStartDate)
	assert.Equal(t, 120, opts.HTTPTimeoutSeconds)
	assert.Equal(t, 6, opts.DownloadParallelism)
	assert.Equal(t, BackendEmbedded, opts.BackendMode)
	require.NoError(t, opts.Validate())
}

func TestLoadAppliesYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
base_dir: /var/lib/tickvault
download_parallelism: 3
backend_mode: remote
remote:
  host: db.internal
  database: ticks
  user: vault
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("TICKVAULT_DOWNLOAD_PARALLELISM", "9")
	t.Setenv("TICKVAULT_PG_PASSWORD", "hunter2")

	opts, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tickvault", opts.BaseDir)
	// Environment wins over the file.
	assert.Equal(t, 9, opts.DownloadParallelism)
	assert.Equal(t, BackendRemote, opts.BackendMode)
	assert.Equal(t, "db.internal", opts.Remote.Host)
	assert.Equal(t, "hunter2", opts.Remote.Password)
	// Untouched fields keep defaults.
	assert.Equal(t, 120, opts.HTTPTimeoutSeconds)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ArchiveBaseURL, opts.ArchiveBaseURL)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"bad backend", func(o *Options) { o.BackendMode = "cloud" }},
		{"zero timeout", func(o *Options) { o.HTTPTimeoutSeconds = 0 }},
		{"zero parallelism", func(o *Options) { o.DownloadParallelism = 0 }},
		{"bad start date", func(o *Options) { o.DefaultStartDate = "January 2021" }},
		{"remote without database", func(o *Options) {
			o.BackendMode = BackendRemote
			o.Remote.Database = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Default()
			tc.mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestStartDateIsUTC(t *testing.T) {
	opts := Default()
	opts.DefaultStartDate = "2022-06-15"
	start, err := opts.StartDate()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2022, 6, 15, 0, 0, 0, 0, time.UTC), start)
}

func TestRemoteDSN(t *testing.T) {
	r := Remote{Host: "h", Port: 5433, Database: "d", User: "u", Password: "p", TLSMode: "require"}
	assert.Equal(t, "host=h port=5433 dbname=d user=u password=p sslmode=require", r.DSN())
}

func TestScratchDirUnderBase(t *testing.T) {
	opts := Default()
	opts.BaseDir = "/data/tv"
	assert.Equal(t, filepath.Join("/data/tv", "scratch"), opts.ScratchDir())
}
