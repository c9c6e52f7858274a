// Package build executes build jobs: a bounded worker pool claims pending
// jobs and runs each through the extract -> diff -> cache/generate -> store
// pipeline. Each job is single-owned by one worker; generator calls inside a
// job fan out with their own concurrency cap.
package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/docpackd/internal/collab"
	"git.home.luguber.info/inful/docpackd/internal/controller"
	"git.home.luguber.info/inful/docpackd/internal/doccache"
	"git.home.luguber.info/inful/docpackd/internal/lineage"
	"git.home.luguber.info/inful/docpackd/internal/logfields"
	"git.home.luguber.info/inful/docpackd/internal/logstream"
	"git.home.luguber.info/inful/docpackd/internal/metrics"
	"git.home.luguber.info/inful/docpackd/internal/retry"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

// Options configures the runner.
type Options struct {
	Workers              int
	GeneratorConcurrency int
	JobTimeout           time.Duration
	UploadRetry          retry.Policy
	Visibility           collab.Visibility
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.GeneratorConcurrency <= 0 {
		o.GeneratorConcurrency = 4
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Minute
	}
	if o.UploadRetry.Validate() != nil {
		o.UploadRetry = retry.DefaultPolicy()
	}
	if o.Visibility == "" {
		o.Visibility = collab.VisibilityPrivate
	}
}

// Runner owns the worker pool.
type Runner struct {
	ctrl      *controller.Controller
	lineage   *lineage.Service
	cache     *doccache.Cache
	hub       *logstream.Hub
	extractor collab.Extractor
	generator collab.Generator
	storage   collab.Storage
	recorder  metrics.Recorder
	logger    *slog.Logger
	opts      Options

	wake    chan struct{}
	wg      sync.WaitGroup
	nActive int64
	mu      sync.Mutex
}

// NewRunner wires the pipeline dependencies.
func NewRunner(ctrl *controller.Controller, lin *lineage.Service, cache *doccache.Cache,
	hub *logstream.Hub, extractor collab.Extractor, generator collab.Generator,
	storage collab.Storage, opts Options) *Runner {
	opts.normalize()
	r := &Runner{
		ctrl:      ctrl,
		lineage:   lin,
		cache:     cache,
		hub:       hub,
		extractor: extractor,
		generator: generator,
		storage:   storage,
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
		opts:      opts,
		wake:      make(chan struct{}, 1),
	}
	ctrl.SetNotify(r.Wake)
	return r
}

// WithLogger sets a custom logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	r.logger = logger
	return r
}

// WithRecorder sets the metrics recorder.
func (r *Runner) WithRecorder(rec metrics.Recorder) *Runner {
	if rec != nil {
		r.recorder = rec
	}
	return r
}

// Wake nudges the dispatch loop; safe to call from any goroutine.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker pool. Workers run until ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting build workers", slog.Int("workers", r.opts.Workers))
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop waits for in-flight jobs to settle. Cancellation of the jobs
// themselves rides on the Start context.
func (r *Runner) Stop() {
	r.wg.Wait()
	r.logger.Info("Build workers stopped")
}

func (r *Runner) worker(ctx context.Context, workerID string) {
	defer r.wg.Done()

	ticker := time.NewTicker(5 * time.Second) // fallback poll in case a wake is missed
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Build worker stopped", logfields.Worker(workerID))
			return
		case <-r.wake:
		case <-ticker.C:
		}
		for r.claimAndRun(ctx, workerID) {
			// drain pending jobs before sleeping again
		}
	}
}

// claimAndRun picks the oldest pending job and attempts to claim it by moving
// it pending -> building. A competing worker losing the claim just moves on.
// Returns true when a job was processed (claimed or lost).
func (r *Runner) claimAndRun(ctx context.Context, workerID string) bool {
	job, err := r.ctrl.NextPending(ctx)
	if stderrors.Is(err, state.ErrNotFound) {
		return false
	}
	if err != nil {
		r.logger.Error("Failed to poll for pending jobs", logfields.Error(err))
		return false
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()

	if err := r.ctrl.Start(jobCtx, job.ID, cancel); err != nil {
		// Another worker won the claim; not an error.
		r.logger.Debug("Lost claim for pending job", logfields.JobID(job.ID), logfields.Worker(workerID))
		return true
	}

	r.trackActive(job.ID, true)
	defer r.trackActive(job.ID, false)

	r.logger.Info("Build job picked up",
		logfields.JobID(job.ID),
		logfields.Worker(workerID),
		logfields.Repository(job.Repository),
		logfields.Branch(job.Branch))

	r.run(jobCtx, job)
	return true
}

func (r *Runner) trackActive(jobID string, up bool) {
	r.mu.Lock()
	if up {
		r.nActive++
	} else {
		r.nActive--
	}
	r.recorder.SetActiveJobs(int(r.nActive))
	r.mu.Unlock()
}
