// Package config loads and normalizes the engine configuration: tracked
// branches, pool sizes, collaborator endpoints, and the ambient knobs
// (logging, retry, metrics).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TrackedBranch is one (repository, branch) the watcher evaluates.
type TrackedBranch struct {
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
}

// WatcherConfig controls the branch watcher.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	NATSURL      string        `yaml:"nats_url"`     // empty disables push notifications
	NATSSubject  string        `yaml:"nats_subject"` // subject prefix for refresh notifications
}

// BuildConfig controls the worker pool and the build pipeline.
type BuildConfig struct {
	Workers              int           `yaml:"workers"`
	GeneratorConcurrency int           `yaml:"generator_concurrency"`
	JobTimeout           time.Duration `yaml:"job_timeout"`
	Visibility           string        `yaml:"visibility"` // passed through to storage
}

// RetryConfig controls upload retries.
type RetryConfig struct {
	BackoffMode string        `yaml:"backoff_mode"` // fixed|linear|exponential
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	MaxRetries  int           `yaml:"max_retries"`
}

// CollaboratorConfig points at the external extraction and generation
// services and the archive location.
type CollaboratorConfig struct {
	ExtractorURL string `yaml:"extractor_url"`
	GeneratorURL string `yaml:"generator_url"`
	ArchiveDir   string `yaml:"archive_dir"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig controls slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

// Config is the root configuration document.
type Config struct {
	StatePath     string             `yaml:"state_path"`
	Branches      []TrackedBranch    `yaml:"branches"`
	Watcher       WatcherConfig      `yaml:"watcher"`
	Build         BuildConfig        `yaml:"build"`
	Retry         RetryConfig        `yaml:"retry"`
	Server        ServerConfig       `yaml:"server"`
	Logging       LoggingConfig      `yaml:"logging"`
	Collaborators CollaboratorConfig `yaml:"collaborators"`
}

// Load reads, parses and normalizes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a normalized configuration without reading a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.StatePath == "" {
		c.StatePath = "docpackd.db"
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = time.Minute
	}
	if c.Watcher.NATSSubject == "" {
		c.Watcher.NATSSubject = "docpackd.refresh"
	}
	if c.Build.Workers <= 0 {
		c.Build.Workers = 2
	}
	if c.Build.GeneratorConcurrency <= 0 {
		c.Build.GeneratorConcurrency = 4
	}
	if c.Build.JobTimeout <= 0 {
		c.Build.JobTimeout = 30 * time.Minute
	}
	if c.Build.Visibility == "" {
		c.Build.Visibility = "private"
	}
	if c.Retry.BackoffMode == "" {
		c.Retry.BackoffMode = "linear"
	}
	if c.Retry.Initial <= 0 {
		c.Retry.Initial = time.Second
	}
	if c.Retry.Max <= 0 {
		c.Retry.Max = 30 * time.Second
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Collaborators.ArchiveDir == "" {
		c.Collaborators.ArchiveDir = "archives"
	}
	c.Logging.Level = string(NormalizeLogLevel(c.Logging.Level))
	c.Logging.Format = string(NormalizeLogFormat(c.Logging.Format))
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	for i, b := range c.Branches {
		if b.Repository == "" {
			return fmt.Errorf("branches[%d]: repository is required", i)
		}
		if b.Branch == "" {
			return fmt.Errorf("branches[%d]: branch is required", i)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	return nil
}
