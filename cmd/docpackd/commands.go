package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/docpackd/internal/build"
	"git.home.luguber.info/inful/docpackd/internal/collab"
	"git.home.luguber.info/inful/docpackd/internal/config"
	"git.home.luguber.info/inful/docpackd/internal/controller"
	"git.home.luguber.info/inful/docpackd/internal/doccache"
	"git.home.luguber.info/inful/docpackd/internal/lineage"
	"git.home.luguber.info/inful/docpackd/internal/logstream"
	"git.home.luguber.info/inful/docpackd/internal/retry"
	"git.home.luguber.info/inful/docpackd/internal/state"
	"git.home.luguber.info/inful/docpackd/internal/storage"
)

// runBuild enqueues a manual build and drives it to a terminal state with an
// in-process worker, so the command works without a running daemon.
func runBuild(cfg *config.Config, repository, branch, commit string, forced bool) error {
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

	extractor := collab.NewHTTPExtractor(cfg.Collaborators.ExtractorURL)
	generator := collab.NewHTTPGenerator(cfg.Collaborators.GeneratorURL)
	archive, err := storage.NewFSStore(cfg.Collaborators.ArchiveDir)
	if err != nil {
		return fmt.Errorf("open archive storage: %w", err)
	}

	runner := build.NewRunner(ctrl, lin, cache, hub, extractor, generator, archive, build.Options{
		Workers:              1,
		GeneratorConcurrency: cfg.Build.GeneratorConcurrency,
		JobTimeout:           cfg.Build.JobTimeout,
		UploadRetry: retry.NewPolicy(retry.BackoffMode(cfg.Retry.BackoffMode),
			cfg.Retry.Initial, cfg.Retry.Max, cfg.Retry.MaxRetries),
		Visibility: collab.Visibility(cfg.Build.Visibility),
	})

	jobID, err := ctrl.Enqueue(ctx, repository, branch, commit, controller.EnqueueOptions{
		Trigger: state.TriggerManual,
		Forced:  forced,
	})
	if err != nil {
		if errors.Is(err, controller.ErrAlreadyBuilding) {
			return fmt.Errorf("a build is already active for %s %s", repository, branch)
		}
		if errors.Is(err, controller.ErrFrozen) {
			return fmt.Errorf("%s %s is frozen; use --forced to override", repository, branch)
		}
		return err
	}
	fmt.Printf("Job %s enqueued\n", jobID)

	runCtx, cancel := context.WithCancel(ctx)
	runner.Start(runCtx)
	defer func() {
		cancel()
		runner.Stop()
	}()

	job, err := waitForJob(ctx, store, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Job %s %s\n", job.ID, job.Status)
	if job.Error != "" {
		fmt.Printf("Error: %s\n", job.Error)
	}
	if job.Status == state.JobStatusCompleted {
		if headID, err := lin.Head(ctx, repository, branch); err == nil && headID != "" {
			if v, err := lin.Get(ctx, headID); err == nil {
				printVersion(v)
			}
		}
	}
	if job.Status == state.JobStatusFailed {
		return fmt.Errorf("build failed")
	}
	return nil
}

func waitForJob(ctx context.Context, store *state.Store, jobID string) (state.Job, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := store.GetJob(ctx, jobID)
		if err != nil {
			return state.Job{}, fmt.Errorf("poll job %s: %w", jobID, err)
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return state.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runStatus prints a job record followed by its persisted log.
func runStatus(cfg *config.Config, jobID string) error {
	ctx := context.Background()

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("job %s not found", jobID)
		}
		return err
	}

	fmt.Printf("Job:        %s\n", job.ID)
	fmt.Printf("Repository: %s\n", job.Repository)
	fmt.Printf("Branch:     %s\n", job.Branch)
	fmt.Printf("Commit:     %s\n", job.Commit)
	fmt.Printf("Trigger:    %s\n", job.Trigger)
	fmt.Printf("Status:     %s\n", job.Status)
	if job.Error != "" {
		fmt.Printf("Error:      %s\n", job.Error)
	}
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("Started:    %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		fmt.Printf("Finished:   %s\n", job.FinishedAt.Format(time.RFC3339))
	}

	entries, err := store.GetLogs(ctx, jobID, 0, 1000)
	if err != nil {
		return fmt.Errorf("load job log: %w", err)
	}
	if len(entries) > 0 {
		fmt.Println()
		for _, e := range entries {
			fmt.Printf("%s [%s] %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Message)
		}
	}
	return nil
}

// runVersions lists the version chain of a branch, newest first.
func runVersions(cfg *config.Config, repository, branch string) error {
	ctx := context.Background()

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	versions, err := lineage.NewService(store).List(ctx, repository, branch)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Printf("No versions for %s %s\n", repository, branch)
		return nil
	}
	for _, v := range versions {
		printVersion(v)
	}
	return nil
}

func printVersion(v state.Version) {
	parent := v.ParentID
	if parent == "" {
		parent = "(root)"
	}
	fmt.Printf("%s  commit=%s  parent=%s  created=%s\n",
		v.ID, v.Commit, parent, v.CreatedAt.Format(time.RFC3339))
	fmt.Printf("    unchanged=%d modified=%d added=%d removed=%d failed=%d hit_rate=%.2f duration=%s\n",
		v.Stats.Unchanged, v.Stats.Modified, v.Stats.Added, v.Stats.Removed,
		v.Stats.FailedGenerations, v.Stats.CacheHitRate, v.Stats.Duration)
}

// runFreeze toggles the freeze flag of a branch lineage.
func runFreeze(cfg *config.Config, repository, branch string, frozen bool) error {
	ctx := context.Background()

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	if err := store.EnsureBranch(ctx, repository, branch); err != nil {
		return err
	}
	if err := lineage.NewService(store).SetFrozen(ctx, repository, branch, frozen); err != nil {
		return err
	}
	if frozen {
		fmt.Printf("%s %s frozen: automatic rebuilds suppressed\n", repository, branch)
	} else {
		fmt.Printf("%s %s unfrozen: automatic rebuilds resume\n", repository, branch)
	}
	return nil
}
