package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docpackd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "docpackd.db", cfg.StatePath)
	assert.Equal(t, time.Minute, cfg.Watcher.PollInterval)
	assert.Equal(t, "docpackd.refresh", cfg.Watcher.NATSSubject)
	assert.Equal(t, 2, cfg.Build.Workers)
	assert.Equal(t, 4, cfg.Build.GeneratorConcurrency)
	assert.Equal(t, 30*time.Minute, cfg.Build.JobTimeout)
	assert.Equal(t, "private", cfg.Build.Visibility)
	assert.Equal(t, "linear", cfg.Retry.BackoffMode)
	assert.Equal(t, time.Second, cfg.Retry.Initial)
	assert.Equal(t, 30*time.Second, cfg.Retry.Max)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "archives", cfg.Collaborators.ArchiveDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Empty(t, cfg.Branches)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
state_path: /var/lib/docpackd/state.db
branches:
  - repository: https://git.example.test/acme/widgets.git
    branch: main
  - repository: https://git.example.test/acme/gadgets.git
    branch: develop
watcher:
  poll_interval: 15s
  nats_url: nats://localhost:4222
build:
  workers: 8
  generator_concurrency: 16
  job_timeout: 1h
  visibility: public
retry:
  backoff_mode: exponential
  initial: 500ms
  max: 10s
  max_retries: 5
server:
  listen: ":9090"
logging:
  level: debug
  format: json
collaborators:
  extractor_url: http://extractor:8000
  generator_url: http://generator:8001
  archive_dir: /srv/archives
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/docpackd/state.db", cfg.StatePath)
	require.Len(t, cfg.Branches, 2)
	assert.Equal(t, "main", cfg.Branches[0].Branch)
	assert.Equal(t, 15*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.Watcher.NATSURL)
	assert.Equal(t, 8, cfg.Build.Workers)
	assert.Equal(t, 16, cfg.Build.GeneratorConcurrency)
	assert.Equal(t, time.Hour, cfg.Build.JobTimeout)
	assert.Equal(t, "public", cfg.Build.Visibility)
	assert.Equal(t, "exponential", cfg.Retry.BackoffMode)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Initial)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "http://extractor:8000", cfg.Collaborators.ExtractorURL)
	assert.Equal(t, "/srv/archives", cfg.Collaborators.ArchiveDir)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := writeConfig(t, `
branches:
  - repository: https://git.example.test/acme/widgets.git
    branch: main
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "docpackd.db", cfg.StatePath)
	assert.Equal(t, 2, cfg.Build.Workers)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "branches: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBranchWithoutRepository(t *testing.T) {
	path := writeConfig(t, `
branches:
  - branch: main
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository is required")
}

func TestLoadRejectsBranchWithoutName(t *testing.T) {
	path := writeConfig(t, `
branches:
  - repository: https://git.example.test/acme/widgets.git
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch is required")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOCPACKD_STATE_PATH", "/tmp/override.db")
	t.Setenv("DOCPACKD_LISTEN", ":7070")
	t.Setenv("DOCPACKD_LOG_LEVEL", "ERROR")
	t.Setenv("DOCPACKD_POLL_INTERVAL", "5s")
	t.Setenv("DOCPACKD_WORKERS", "6")

	path := writeConfig(t, `
server:
  listen: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override.db", cfg.StatePath)
	assert.Equal(t, ":7070", cfg.Server.Listen, "env wins over file")
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, 6, cfg.Build.Workers)
}

func TestEnvOverrideIgnoresInvalidValues(t *testing.T) {
	t.Setenv("DOCPACKD_WORKERS", "not-a-number")
	t.Setenv("DOCPACKD_POLL_INTERVAL", "-3s")

	path := writeConfig(t, "{}")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Build.Workers)
	assert.Equal(t, time.Minute, cfg.Watcher.PollInterval)
}

func TestNormalizeLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"  WARN ", LogLevelWarn},
		{"Error", LogLevelError},
		{"info", LogLevelInfo},
		{"", LogLevelInfo},
		{"verbose", LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLogLevel(tt.in), "input %q", tt.in)
	}
}

func TestNormalizeLogFormat(t *testing.T) {
	assert.Equal(t, LogFormatJSON, NormalizeLogFormat("JSON"))
	assert.Equal(t, LogFormatText, NormalizeLogFormat("text"))
	assert.Equal(t, LogFormatText, NormalizeLogFormat(""))
	assert.Equal(t, LogFormatText, NormalizeLogFormat("logfmt"))
}

func TestNewLoggerNeverNil(t *testing.T) {
	for _, lc := range []LoggingConfig{
		{},
		{Level: "debug", Format: "json"},
		{Level: "bogus", Format: "bogus"},
	} {
		logger := lc.NewLogger()
		require.NotNil(t, logger)
		assert.IsType(t, &slog.Logger{}, logger)
	}
}
