package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docpackd/internal/lineage"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

const (
	repo   = "https://git.example.test/acme/widgets.git"
	branch = "main"
)

func newTestController(t *testing.T) (*Controller, *state.Store) {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, lineage.NewService(s)), s
}

func TestEnqueueCreatesPendingJobAndHoldsSlot(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{Trigger: state.TriggerAuto})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusPending, job.Status)
	assert.Equal(t, state.TriggerAuto, job.Trigger)

	bs, err := store.GetBranch(ctx, repo, branch)
	require.NoError(t, err)
	assert.Equal(t, jobID, bs.ActiveJobID)
}

func TestEnqueueValidatesInput(t *testing.T) {
	ctrl, _ := newTestController(t)
	_, err := ctrl.Enqueue(context.Background(), "", branch, "c1", EnqueueOptions{})
	assert.Error(t, err)
}

func TestEnqueueSecondBuildRejected(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	_, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)

	_, err = ctrl.Enqueue(ctx, repo, branch, "c2", EnqueueOptions{})
	assert.ErrorIs(t, err, ErrAlreadyBuilding)

	// No second job row survives the lost race.
	jobs, err := store.ListJobs(ctx, repo, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestEnqueueIndependentBranches(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctrl.Enqueue(ctx, repo, "main", "c1", EnqueueOptions{})
	require.NoError(t, err)
	_, err = ctrl.Enqueue(ctx, repo, "release", "c1", EnqueueOptions{})
	assert.NoError(t, err, "slots are per branch, not per repository")
}

func TestEnqueueFrozenBranch(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureBranch(ctx, repo, branch))
	require.NoError(t, store.SetFrozen(ctx, repo, branch, true))

	_, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{Trigger: state.TriggerAuto})
	assert.ErrorIs(t, err, ErrFrozen)

	// Forced bypasses the freeze but still observes the slot.
	forcedID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{Trigger: state.TriggerManual, Forced: true})
	require.NoError(t, err)

	_, err = ctrl.Enqueue(ctx, repo, branch, "c2", EnqueueOptions{Forced: true})
	assert.ErrorIs(t, err, ErrAlreadyBuilding)

	job, err := store.GetJob(ctx, forcedID)
	require.NoError(t, err)
	assert.True(t, job.Forced)
}

func TestStartClaimsJobExactlyOnce(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(ctx, jobID, nil))
	assert.Error(t, ctrl.Start(ctx, jobID, nil), "second claim must lose")
}

func TestCompleteWritesVersionAndFreesSlot(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx, jobID, nil))

	stats := state.VersionStats{Added: 10, CacheHitRate: 0, Duration: time.Second}
	manifest := map[string]string{"sym.a": "fp1"}
	versionID, err := ctrl.Complete(ctx, jobID, stats, manifest)
	require.NoError(t, err)
	require.NotEmpty(t, versionID)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCompleted, job.Status)

	v, err := store.GetVersion(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, "", v.ParentID, "first version is the lineage root")
	assert.Equal(t, 10, v.Stats.Added)

	bs, err := store.GetBranch(ctx, repo, branch)
	require.NoError(t, err)
	assert.Empty(t, bs.ActiveJobID)

	// Next completion chains onto the first.
	jobID2, err := ctrl.Enqueue(ctx, repo, branch, "c2", EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx, jobID2, nil))
	versionID2, err := ctrl.Complete(ctx, jobID2, state.VersionStats{Unchanged: 10, CacheHitRate: 1}, manifest)
	require.NoError(t, err)

	v2, err := store.GetVersion(ctx, versionID2)
	require.NoError(t, err)
	assert.Equal(t, versionID, v2.ParentID)
}

func TestFailReleasesSlotWithoutVersion(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx, jobID, nil))

	require.NoError(t, ctrl.Fail(ctx, jobID, "extractor unreachable"))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)
	assert.Equal(t, "extractor unreachable", job.Error)

	versions, err := store.ListVersions(ctx, repo, branch)
	require.NoError(t, err)
	assert.Empty(t, versions)

	bs, err := store.GetBranch(ctx, repo, branch)
	require.NoError(t, err)
	assert.Empty(t, bs.ActiveJobID)
}

func TestFailPendingJob(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, ctrl.Fail(ctx, jobID, "canceled before start"))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)
}

func TestCancelFiresRegisteredCancelFunc(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)

	jobCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, ctrl.Start(ctx, jobID, cancel))

	ctrl.Cancel(jobID)
	select {
	case <-jobCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not reach the job context")
	}

	// Unknown job ids are a no-op.
	ctrl.Cancel("ghost")
}

func TestNextPendingReturnsOldest(t *testing.T) {
	ctrl, _ := newTestController(t)
	ctx := context.Background()

	_, err := ctrl.NextPending(ctx)
	assert.ErrorIs(t, err, state.ErrNotFound)

	first, err := ctrl.Enqueue(ctx, repo, "main", "c1", EnqueueOptions{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond) // created_at has millisecond resolution
	_, err = ctrl.Enqueue(ctx, repo, "release", "c1", EnqueueOptions{})
	require.NoError(t, err)

	job, err := ctrl.NextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)

	// Once started it no longer surfaces as pending.
	require.NoError(t, ctrl.Start(ctx, first, nil))
	job, err = ctrl.NextPending(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, job.ID)
}

func TestNotifyFiresOnEnqueue(t *testing.T) {
	ctrl, _ := newTestController(t)

	woke := make(chan struct{}, 1)
	ctrl.SetNotify(func() {
		select {
		case woke <- struct{}{}:
		default:
		}
	})

	_, err := ctrl.Enqueue(context.Background(), repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("notify was not invoked")
	}
}

func TestRecoverSettlesOrphanedJobs(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, ctrl.Start(jobCtx, jobID, cancel))

	// A fresh controller over the same store stands in for a restarted
	// daemon: the building job is invisible to dispatch and wedges the slot.
	restarted := New(store, lineage.NewService(store))
	_, err = restarted.NextPending(ctx)
	require.ErrorIs(t, err, state.ErrNotFound)
	_, err = restarted.Enqueue(ctx, repo, branch, "c2", EnqueueOptions{})
	require.ErrorIs(t, err, ErrAlreadyBuilding)

	n, err := restarted.Recover(ctx, "daemon restarted before the job settled")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "daemon restarted")
	require.NotNil(t, job.FinishedAt)

	bs, err := store.GetBranch(ctx, repo, branch)
	require.NoError(t, err)
	assert.Empty(t, bs.ActiveJobID)

	// The branch builds again.
	_, err = restarted.Enqueue(ctx, repo, branch, "c2", EnqueueOptions{})
	assert.NoError(t, err)
}

func TestRecoverSettlesPendingJobs(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)

	n, err := New(store, lineage.NewService(store)).Recover(ctx, "daemon restarted before the job settled")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)
}

func TestRecoverLeavesTerminalJobsAlone(t *testing.T) {
	ctrl, store := newTestController(t)
	ctx := context.Background()

	jobID, err := ctrl.Enqueue(ctx, repo, branch, "c1", EnqueueOptions{})
	require.NoError(t, err)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, ctrl.Start(jobCtx, jobID, cancel))
	versionID, err := ctrl.Complete(ctx, jobID, state.VersionStats{Added: 1}, map[string]string{"pkg.A": "fp-a"})
	require.NoError(t, err)
	require.NotEmpty(t, versionID)

	n, err := ctrl.Recover(ctx, "daemon restarted before the job settled")
	require.NoError(t, err)
	assert.Zero(t, n)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCompleted, job.Status)
}
