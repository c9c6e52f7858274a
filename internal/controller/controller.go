// Package controller owns the build job state machine. It is the only writer
// of job rows and of the per-branch active-build slot: at most one job in
// {pending, building} exists per (repository, branch), enforced by a
// conditional-update reservation in the state store.
package controller

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docpackd/internal/errors"
	"git.home.luguber.info/inful/docpackd/internal/lineage"
	"git.home.luguber.info/inful/docpackd/internal/logfields"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

// ErrAlreadyBuilding is returned by Enqueue when an active job holds the
// branch slot. It is synchronous and never auto-retried.
var ErrAlreadyBuilding = errors.ConcurrencyConflict("an active build already exists for this branch")

// ErrFrozen is returned by Enqueue for non-forced requests on a frozen branch.
var ErrFrozen = errors.ConcurrencyConflict("branch lineage is frozen")

// EnqueueOptions modifies enqueue behavior.
type EnqueueOptions struct {
	Trigger state.TriggerKind
	// Forced bypasses the frozen flag, not the single-active-build slot.
	Forced bool
}

// Controller is the build job state machine.
type Controller struct {
	store   *state.Store
	lineage *lineage.Service
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // per running job

	// notify is invoked after a pending job is created; the build runner
	// uses it to wake its dispatch loop.
	notify func()
}

// New creates a controller.
func New(store *state.Store, lin *lineage.Service) *Controller {
	return &Controller{
		store:   store,
		lineage: lin,
		logger:  slog.Default(),
		cancels: make(map[string]context.CancelFunc),
		notify:  func() {},
	}
}

// WithLogger sets a custom logger.
func (c *Controller) WithLogger(logger *slog.Logger) *Controller {
	c.logger = logger
	return c
}

// SetNotify registers a callback fired whenever a new pending job exists.
func (c *Controller) SetNotify(fn func()) {
	if fn != nil {
		c.notify = fn
	}
}

// Enqueue creates a pending job for (repository, branch, commit) and reserves
// the branch slot atomically. Fails with ErrAlreadyBuilding when the slot is
// held and with ErrFrozen for non-forced requests on a frozen branch. On any
// failure no job row survives.
func (c *Controller) Enqueue(ctx context.Context, repository, branch, commit string, opts EnqueueOptions) (string, error) {
	if repository == "" || branch == "" || commit == "" {
		return "", errors.ValidationError("repository, branch and commit are required")
	}
	if opts.Trigger == "" {
		opts.Trigger = state.TriggerManual
	}

	if err := c.store.EnsureBranch(ctx, repository, branch); err != nil {
		return "", errors.StateError(err, "ensure branch state")
	}
	bs, err := c.store.GetBranch(ctx, repository, branch)
	if err != nil {
		return "", errors.StateError(err, "read branch state")
	}
	if bs.Frozen && !opts.Forced {
		return "", ErrFrozen
	}

	job := state.Job{
		ID:         uuid.NewString(),
		Repository: repository,
		Branch:     branch,
		Commit:     commit,
		Trigger:    opts.Trigger,
		Forced:     opts.Forced,
		Status:     state.JobStatusPending,
		CreatedAt:  time.Now(),
	}

	// Reserve the slot before writing the row: a lost race leaves nothing behind.
	if err := c.store.ReserveSlot(ctx, repository, branch, job.ID); err != nil {
		if stderrors.Is(err, state.ErrSlotHeld) {
			return "", ErrAlreadyBuilding
		}
		return "", errors.StateError(err, "reserve branch slot")
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		_ = c.store.ReleaseSlot(ctx, repository, branch, job.ID)
		return "", errors.StateError(err, "create job")
	}

	c.logger.Info("Build job enqueued",
		logfields.JobID(job.ID),
		logfields.Repository(repository),
		logfields.Branch(branch),
		logfields.Commit(commit),
		logfields.Trigger(string(opts.Trigger)))

	c.notify()
	return job.ID, nil
}

// Start transitions a job pending -> building and registers its cancel
// function so Cancel can reach the running pipeline.
func (c *Controller) Start(ctx context.Context, jobID string, cancel context.CancelFunc) error {
	if err := c.store.TransitionJob(ctx, jobID, state.JobStatusPending, state.JobStatusBuilding, ""); err != nil {
		return errors.StateError(err, "start job")
	}
	if cancel != nil {
		c.mu.Lock()
		c.cancels[jobID] = cancel
		c.mu.Unlock()
	}
	c.logger.Info("Build job started", logfields.JobID(jobID))
	return nil
}

// Complete finalizes a successful build: building -> completed, version append
// (head-checked) and slot release happen in one transaction. A version is
// written only here.
func (c *Controller) Complete(ctx context.Context, jobID string, stats state.VersionStats, manifest map[string]string) (string, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return "", errors.StateError(err, "load job for completion")
	}

	parentID, err := c.lineage.Head(ctx, job.Repository, job.Branch)
	if err != nil {
		return "", err
	}
	version := lineage.NewVersion(job.Repository, job.Branch, parentID, job.Commit, stats)

	if err := c.store.CompleteBuild(ctx, jobID, version, manifest); err != nil {
		switch {
		case stderrors.Is(err, state.ErrNotHead), stderrors.Is(err, state.ErrCorruptChain):
			return "", errors.CorruptLineage(fmt.Sprintf("cannot append version for job %s", jobID)).
				WithContext("cause", err.Error())
		default:
			return "", errors.StateError(err, "complete build")
		}
	}
	c.forget(jobID)

	c.logger.Info("Build job completed",
		logfields.JobID(jobID),
		logfields.VersionID(version.ID),
		slog.Float64("cache_hit_rate", stats.CacheHitRate),
		logfields.DurationMS(float64(stats.Duration.Milliseconds())))
	return version.ID, nil
}

// Fail transitions a job to failed with a human-readable reason and releases
// the branch slot, both in one store transaction. No version is written;
// partial results are discarded. Pending jobs that never started may also be
// failed.
func (c *Controller) Fail(ctx context.Context, jobID, reason string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return errors.StateError(err, "load job for failure")
	}

	if err := c.store.FailBuild(ctx, jobID, reason); err != nil {
		return errors.StateError(err, "fail job")
	}
	c.forget(jobID)

	c.logger.Warn("Build job failed",
		logfields.JobID(jobID),
		logfields.Repository(job.Repository),
		logfields.Branch(job.Branch),
		slog.String("reason", reason))
	return nil
}

// Recover settles jobs a previous process left non-terminal: each is failed
// with the given reason and its branch slot released, so a crashed daemon
// never wedges a branch behind a job no worker will ever re-claim. Called
// once on startup before the worker pool starts.
func (c *Controller) Recover(ctx context.Context, reason string) (int, error) {
	jobs, err := c.store.ListJobs(ctx, "", 0)
	if err != nil {
		return 0, errors.StateError(err, "list jobs for recovery")
	}

	recovered := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		if err := c.store.FailBuild(ctx, job.ID, reason); err != nil {
			return recovered, errors.StateError(err, fmt.Sprintf("recover job %s", job.ID))
		}
		c.logger.Warn("Recovered orphaned job",
			logfields.JobID(job.ID),
			logfields.Repository(job.Repository),
			logfields.Branch(job.Branch),
			logfields.JobStatus(string(job.Status)))
		recovered++
	}
	return recovered, nil
}

// Status returns the job record.
func (c *Controller) Status(ctx context.Context, jobID string) (state.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if stderrors.Is(err, state.ErrNotFound) {
		return state.Job{}, err
	}
	if err != nil {
		return state.Job{}, errors.StateError(err, "load job")
	}
	return job, nil
}

// Cancel requests cancellation of a running job. The pipeline observes the
// context, stops issuing new collaborator calls, and transitions the job to
// failed with a cancellation reason. Canceling an unknown or settled job is a
// no-op.
func (c *Controller) Cancel(jobID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	c.mu.Unlock()
	if ok {
		c.logger.Info("Cancellation requested", logfields.JobID(jobID))
		cancel()
	}
}

func (c *Controller) forget(jobID string) {
	c.mu.Lock()
	delete(c.cancels, jobID)
	c.mu.Unlock()
}

// NextPending returns the oldest pending job, or state.ErrNotFound.
func (c *Controller) NextPending(ctx context.Context) (state.Job, error) {
	jobs, err := c.store.ListJobs(ctx, "", 0)
	if err != nil {
		return state.Job{}, errors.StateError(err, "list jobs")
	}
	// ListJobs is newest first; walk backwards for the oldest pending.
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].Status == state.JobStatusPending {
			return jobs[i], nil
		}
	}
	return state.Job{}, state.ErrNotFound
}
