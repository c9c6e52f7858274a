package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides layers DOCPACKD_* environment variables over the parsed
// file. Only operational knobs are overridable; the tracked branch set stays
// in the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCPACKD_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("DOCPACKD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("DOCPACKD_NATS_URL"); v != "" {
		cfg.Watcher.NATSURL = v
	}
	if v := os.Getenv("DOCPACKD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = string(NormalizeLogLevel(v))
	}
	if v := os.Getenv("DOCPACKD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = string(NormalizeLogFormat(v))
	}
	if v := os.Getenv("DOCPACKD_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Watcher.PollInterval = d
		}
	}
	if v := os.Getenv("DOCPACKD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Build.Workers = n
		}
	}
	if v := os.Getenv("DOCPACKD_GENERATOR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Build.GeneratorConcurrency = n
		}
	}
}
