package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/docpackd/internal/build"
	"git.home.luguber.info/inful/docpackd/internal/collab"
	"git.home.luguber.info/inful/docpackd/internal/config"
	"git.home.luguber.info/inful/docpackd/internal/controller"
	"git.home.luguber.info/inful/docpackd/internal/doccache"
	"git.home.luguber.info/inful/docpackd/internal/gitresolve"
	"git.home.luguber.info/inful/docpackd/internal/lineage"
	"git.home.luguber.info/inful/docpackd/internal/logstream"
	"git.home.luguber.info/inful/docpackd/internal/metrics"
	"git.home.luguber.info/inful/docpackd/internal/retry"
	"git.home.luguber.info/inful/docpackd/internal/server"
	"git.home.luguber.info/inful/docpackd/internal/services"
	"git.home.luguber.info/inful/docpackd/internal/state"
	"git.home.luguber.info/inful/docpackd/internal/storage"
	"git.home.luguber.info/inful/docpackd/internal/watcher"
)

// runServe wires the daemon: state store, job controller, worker pool,
// branch watcher, optional push listener and the HTTP API. The services
// run under the orchestrator so startup and shutdown follow dependency
// order.
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	lin := lineage.NewService(store)
	cache := doccache.New(store)
	hub := logstream.NewHub(store)
	ctrl := controller.New(store, lin)

	// Jobs left mid-flight by a previous process would hold their branch
	// slots forever; settle them before any worker starts claiming.
	if n, err := ctrl.Recover(ctx, "daemon restarted before the job settled"); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	} else if n > 0 {
		slog.Warn("Recovered orphaned jobs from previous run", slog.Int("jobs", n))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(reg)

	extractor := collab.NewHTTPExtractor(cfg.Collaborators.ExtractorURL)
	generator := collab.NewHTTPGenerator(cfg.Collaborators.GeneratorURL)
	archive, err := storage.NewFSStore(cfg.Collaborators.ArchiveDir)
	if err != nil {
		return fmt.Errorf("open archive storage: %w", err)
	}

	runner := build.NewRunner(ctrl, lin, cache, hub, extractor, generator, archive, build.Options{
		Workers:              cfg.Build.Workers,
		GeneratorConcurrency: cfg.Build.GeneratorConcurrency,
		JobTimeout:           cfg.Build.JobTimeout,
		UploadRetry: retry.NewPolicy(retry.BackoffMode(cfg.Retry.BackoffMode),
			cfg.Retry.Initial, cfg.Retry.Max, cfg.Retry.MaxRetries),
		Visibility: collab.Visibility(cfg.Build.Visibility),
	}).WithRecorder(recorder)

	resolver := gitresolve.New()
	w, err := watcher.New(store, ctrl, resolver, cfg.Branches, cfg.Watcher.PollInterval)
	if err != nil {
		return fmt.Errorf("create branch watcher: %w", err)
	}

	srv := server.New(store, ctrl, lin, hub, reg)

	fatal := make(chan error, 1)
	reportFatal := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	orch := services.NewOrchestrator()
	mustRegister := func(svc services.Service) {
		if err := orch.Register(svc); err != nil {
			panic(err)
		}
	}

	mustRegister(services.NewWorkerPoolService("build-workers", runner))
	mustRegister(services.NewSchedulerService("branch-watcher", w, "build-workers"))
	mustRegister(services.NewBackgroundService("http-api", func(ctx context.Context) error {
		return srv.Start(ctx, cfg.Server.Listen)
	}, "build-workers").OnExit(reportFatal))

	if cfg.Watcher.NATSURL != "" {
		listener, err := watcher.NewNotifyListener(w, cfg.Watcher.NATSURL, cfg.Watcher.NATSSubject)
		if err != nil {
			// Push refresh is an accelerator; polling still covers the branches.
			slog.Warn("Push notification listener unavailable, falling back to polling",
				slog.String("url", cfg.Watcher.NATSURL), slog.String("error", err.Error()))
		} else {
			mustRegister(services.NewListenerService("refresh-listener", listener, "branch-watcher"))
		}
	}

	cfgWatcher, err := config.NewWatcher(CLI.Config, func(updated *config.Config) {
		w.SetBranches(updated.Branches)
	})
	if err != nil {
		slog.Warn("Config reload watcher unavailable", slog.String("error", err.Error()))
	} else {
		mustRegister(services.NewBackgroundService("config-reload", cfgWatcher.Run))
	}

	if err := orch.StartAll(ctx); err != nil {
		return err
	}

	slog.Info("Engine started",
		slog.String("listen", cfg.Server.Listen),
		slog.Int("branches", len(cfg.Branches)),
		slog.Int("workers", cfg.Build.Workers))

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case runErr = <-fatal:
		slog.Error("Service failed", slog.String("error", runErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.StopAll(shutdownCtx); err != nil {
		slog.Warn("Shutdown incomplete", slog.String("error", err.Error()))
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("Engine stopped")
	return nil
}
