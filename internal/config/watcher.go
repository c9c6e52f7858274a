package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the configuration file and delivers reloaded configs to a
// callback. Rapid successive writes are debounced.
type Watcher struct {
	configPath   string
	onReload     func(*Config)
	watcher      *fsnotify.Watcher
	logger       *slog.Logger
	debounceTime time.Duration
}

// NewWatcher creates a configuration file watcher. onReload is called with
// each successfully reloaded config; parse failures keep the previous config.
func NewWatcher(configPath string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	// Resolve absolute path for consistent watching
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	return &Watcher{
		configPath:   absPath,
		onReload:     onReload,
		watcher:      fsw,
		logger:       slog.Default(),
		debounceTime: 2 * time.Second,
	}, nil
}

// Run watches until the context is canceled. Watching the directory is more
// reliable than watching the file directly (editors replace files on save).
func (w *Watcher) Run(ctx context.Context) error {
	configDir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(configDir); err != nil {
		return fmt.Errorf("watch config directory %s: %w", configDir, err)
	}
	defer func() { _ = w.watcher.Close() }()

	w.logger.Info("Watching configuration file", slog.String("path", w.configPath))

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.configPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounceTime, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", slog.String("error", err.Error()))
		case <-pending:
			cfg, err := Load(w.configPath)
			if err != nil {
				w.logger.Error("Config reload failed, keeping previous configuration",
					slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("Configuration reloaded", slog.String("path", w.configPath))
			w.onReload(cfg)
		}
	}
}
