// Package watcher detects branch drift: each cycle it resolves the latest
// commit of every tracked branch, advances the last-seen marker, and asks
// the controller for a build when the branch moved and is eligible.
package watcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/docpackd/internal/collab"
	"git.home.luguber.info/inful/docpackd/internal/config"
	"git.home.luguber.info/inful/docpackd/internal/controller"
	"git.home.luguber.info/inful/docpackd/internal/logfields"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

// Watcher evaluates tracked branches on a schedule and on push notification.
type Watcher struct {
	store    *state.Store
	ctrl     *controller.Controller
	resolver collab.CommitResolver
	logger   *slog.Logger

	mu       sync.RWMutex
	branches []config.TrackedBranch

	scheduler gocron.Scheduler
	interval  time.Duration
}

// New creates a watcher for the given tracked branches.
func New(store *state.Store, ctrl *controller.Controller, resolver collab.CommitResolver,
	branches []config.TrackedBranch, interval time.Duration) (*Watcher, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{
		store:     store,
		ctrl:      ctrl,
		resolver:  resolver,
		logger:    slog.Default(),
		branches:  branches,
		scheduler: s,
		interval:  interval,
	}, nil
}

// WithLogger sets a custom logger.
func (w *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	w.logger = logger
	return w
}

// SetBranches replaces the tracked branch set (config reload).
func (w *Watcher) SetBranches(branches []config.TrackedBranch) {
	w.mu.Lock()
	w.branches = branches
	w.mu.Unlock()
	w.logger.Info("Tracked branch set updated", slog.Int("branches", len(branches)))
}

// Start registers the periodic evaluation job and starts the scheduler.
func (w *Watcher) Start(ctx context.Context) error {
	_, err := w.scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.Cycle(ctx) }),
		gocron.WithName("branch-watch"),
	)
	if err != nil {
		return fmt.Errorf("schedule watch cycle: %w", err)
	}
	w.scheduler.Start()
	w.logger.Info("Branch watcher started", slog.Duration("interval", w.interval))
	return nil
}

// Stop shuts the scheduler down.
func (w *Watcher) Stop() error {
	return w.scheduler.Shutdown()
}

// Cycle evaluates every tracked branch once.
func (w *Watcher) Cycle(ctx context.Context) {
	w.mu.RLock()
	branches := make([]config.TrackedBranch, len(w.branches))
	copy(branches, w.branches)
	w.mu.RUnlock()

	for _, b := range branches {
		if ctx.Err() != nil {
			return
		}
		w.Evaluate(ctx, b.Repository, b.Branch)
	}
}

// Evaluate checks one branch for drift. The last-seen marker advances after
// the evaluation whether or not a build was triggered, so a frozen lineage
// never accumulates backlog. The one exception is an active build: the
// mismatch coalesces without advancing, so the first cycle after the job
// settles still sees the drift and builds the skipped commit.
func (w *Watcher) Evaluate(ctx context.Context, repository, branch string) {
	log := w.logger.With(logfields.Repository(repository), logfields.Branch(branch))

	if err := w.store.EnsureBranch(ctx, repository, branch); err != nil {
		log.Error("Failed to ensure branch state", logfields.Error(err))
		return
	}
	bs, err := w.store.GetBranch(ctx, repository, branch)
	if err != nil {
		log.Error("Failed to read branch state", logfields.Error(err))
		return
	}

	latest, err := w.resolver.LatestCommit(ctx, repository, branch)
	if err != nil {
		log.Warn("Commit resolution failed, skipping cycle", logfields.Error(err))
		return
	}

	if latest == bs.LastSeenCommit {
		return
	}
	log.Info("Branch drift detected",
		slog.String("last_seen", bs.LastSeenCommit),
		logfields.Commit(latest))

	switch {
	case bs.Frozen:
		log.Debug("Lineage frozen, no automatic build")
	case bs.ActiveJobID != "":
		log.Debug("Active build in progress, coalescing", logfields.JobID(bs.ActiveJobID))
		return
	default:
		_, err := w.ctrl.Enqueue(ctx, repository, branch, latest, controller.EnqueueOptions{
			Trigger: state.TriggerAuto,
		})
		switch {
		case err == nil:
		case stderrors.Is(err, controller.ErrAlreadyBuilding):
			// Lost the race against a concurrent enqueue; coalesce and keep
			// the drift visible for the next cycle.
			log.Debug("Enqueue coalesced with concurrent build")
			return
		case stderrors.Is(err, controller.ErrFrozen):
			log.Debug("Lineage frozen concurrently, no automatic build")
		default:
			log.Error("Failed to enqueue build", logfields.Error(err))
			return
		}
	}

	if err := w.store.AdvanceLastSeen(ctx, repository, branch, bs.LastSeenCommit, latest); err != nil {
		if stderrors.Is(err, state.ErrStaleCommit) {
			// A concurrent evaluation advanced it first; nothing lost.
			log.Debug("Last-seen commit advanced concurrently")
			return
		}
		log.Error("Failed to advance last-seen commit", logfields.Error(err))
	}
}
