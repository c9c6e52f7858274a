package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRepo   = "https://git.example.test/acme/widgets.git"
	testBranch = "main"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeJob(id string, createdAt time.Time) Job {
	return Job{
		ID:         id,
		Repository: testRepo,
		Branch:     testBranch,
		Commit:     "c0ffee",
		Trigger:    TriggerManual,
		Status:     JobStatusPending,
		CreatedAt:  createdAt,
	}
}

func makeVersion(id, parentID string) Version {
	return Version{
		ID:         id,
		Repository: testRepo,
		Branch:     testBranch,
		ParentID:   parentID,
		Commit:     "c0ffee",
		Stats:      VersionStats{Added: 1, CacheHitRate: 0, Duration: time.Second},
		CreatedAt:  time.Now(),
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := makeJob("job-1", time.Now())
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Repository, got.Repository)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Equal(t, TriggerManual, got.Trigger)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}

func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetJob(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.CreateJob(ctx, makeJob(id, base.Add(time.Duration(i)*time.Second))))
	}

	jobs, err := s.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "old", jobs[2].ID)

	limited, err := s.ListJobs(ctx, testRepo, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "new", limited[0].ID)

	other, err := s.ListJobs(ctx, "https://elsewhere.test/repo.git", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTransitionJobGuardedByCurrentStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, makeJob("job-1", time.Now())))

	require.NoError(t, s.TransitionJob(ctx, "job-1", JobStatusPending, JobStatusBuilding, ""))

	// A second claim of the same job must lose.
	err := s.TransitionJob(ctx, "job-1", JobStatusPending, JobStatusBuilding, "")
	assert.ErrorIs(t, err, ErrBadStatus)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusBuilding, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestTransitionJobStampsFinishAndError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, makeJob("job-1", time.Now())))
	require.NoError(t, s.TransitionJob(ctx, "job-1", JobStatusPending, JobStatusBuilding, ""))
	require.NoError(t, s.TransitionJob(ctx, "job-1", JobStatusBuilding, JobStatusFailed, "extractor unreachable"))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "extractor unreachable", got.Error)
	assert.NotNil(t, got.FinishedAt)
	assert.True(t, got.Status.Terminal())
}

func TestEnsureBranchIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))

	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "", bs.LastSeenCommit)
	assert.False(t, bs.Frozen)
	assert.Empty(t, bs.ActiveJobID)
}

func TestReserveSlotSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))

	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-1"))
	assert.ErrorIs(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-2"), ErrSlotHeld)

	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "job-1", bs.ActiveJobID)
}

func TestReleaseSlotGuardedByHolder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-1"))

	// A late release from a different job must not clobber the holder.
	require.NoError(t, s.ReleaseSlot(ctx, testRepo, testBranch, "job-2"))
	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "job-1", bs.ActiveJobID)

	require.NoError(t, s.ReleaseSlot(ctx, testRepo, testBranch, "job-1"))
	bs, err = s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Empty(t, bs.ActiveJobID)

	// Slot is reusable after release.
	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-3"))
}

func TestAdvanceLastSeenCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))

	require.NoError(t, s.AdvanceLastSeen(ctx, testRepo, testBranch, "", "aaa"))
	require.NoError(t, s.AdvanceLastSeen(ctx, testRepo, testBranch, "aaa", "bbb"))

	// Stale observed value loses.
	err := s.AdvanceLastSeen(ctx, testRepo, testBranch, "aaa", "ccc")
	assert.ErrorIs(t, err, ErrStaleCommit)

	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "bbb", bs.LastSeenCommit)
}

func TestSetFrozen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))

	require.NoError(t, s.SetFrozen(ctx, testRepo, testBranch, true))
	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.True(t, bs.Frozen)

	require.NoError(t, s.SetFrozen(ctx, testRepo, testBranch, false))
	bs, err = s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.False(t, bs.Frozen)

	assert.ErrorIs(t, s.SetFrozen(ctx, testRepo, "ghost", true), ErrNotFound)
}

func TestAppendVersionChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))

	root := makeVersion("v1", "")
	require.NoError(t, s.AppendVersion(ctx, root, map[string]string{"sym.a": "fp1"}))

	head, err := s.HeadVersion(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "v1", head)

	child := makeVersion("v2", "v1")
	require.NoError(t, s.AppendVersion(ctx, child, map[string]string{"sym.a": "fp2"}))

	head, err = s.HeadVersion(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "v2", head)

	symbols, err := s.VersionSymbols(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sym.a": "fp2"}, symbols)
}

func TestAppendVersionRejectsNonHeadParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.AppendVersion(ctx, makeVersion("v1", ""), nil))
	require.NoError(t, s.AppendVersion(ctx, makeVersion("v2", "v1"), nil))

	// Appending onto v1 would fork the chain.
	err := s.AppendVersion(ctx, makeVersion("v3", "v1"), nil)
	assert.ErrorIs(t, err, ErrNotHead)

	// Declaring an empty parent with a non-empty lineage is also a fork.
	err = s.AppendVersion(ctx, makeVersion("v4", ""), nil)
	assert.ErrorIs(t, err, ErrNotHead)

	// The rejected versions must not exist.
	_, err = s.GetVersion(ctx, "v3")
	assert.ErrorIs(t, err, ErrNotFound)

	head, err := s.HeadVersion(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "v2", head)
}

func TestAppendVersionUntrackedBranch(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendVersion(context.Background(), makeVersion("v1", ""), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendVersionDetectsDanglingHead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.AppendVersion(ctx, makeVersion("v1", ""), nil))

	// Corrupt the chain behind the store's back.
	s.mu.Lock()
	_, err := s.db.Exec(`DELETE FROM versions WHERE id = 'v1'`)
	s.mu.Unlock()
	require.NoError(t, err)

	err = s.AppendVersion(ctx, makeVersion("v2", "v1"), nil)
	assert.ErrorIs(t, err, ErrCorruptChain)
}

func TestListVersionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))

	v1 := makeVersion("v1", "")
	v1.CreatedAt = time.Now().Add(-2 * time.Second)
	v2 := makeVersion("v2", "v1")
	v2.CreatedAt = time.Now().Add(-1 * time.Second)
	require.NoError(t, s.AppendVersion(ctx, v1, nil))
	require.NoError(t, s.AppendVersion(ctx, v2, nil))

	versions, err := s.ListVersions(ctx, testRepo, testBranch)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v2", versions[0].ID)
	assert.Equal(t, "v1", versions[1].ID)
	assert.Equal(t, "", versions[1].ParentID)
	assert.Equal(t, time.Second, versions[0].Stats.Duration)
}

func TestCompleteBuildIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.CreateJob(ctx, makeJob("job-1", time.Now())))
	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-1"))
	require.NoError(t, s.TransitionJob(ctx, "job-1", JobStatusPending, JobStatusBuilding, ""))

	v := makeVersion("v1", "")
	require.NoError(t, s.CompleteBuild(ctx, "job-1", v, map[string]string{"sym.a": "fp1"}))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)

	head, err := s.HeadVersion(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "v1", head)

	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Empty(t, bs.ActiveJobID, "slot must be released on completion")
}

func TestCompleteBuildRollsBackOnBadAppend(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.AppendVersion(ctx, makeVersion("v1", ""), nil))

	require.NoError(t, s.CreateJob(ctx, makeJob("job-1", time.Now())))
	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-1"))
	require.NoError(t, s.TransitionJob(ctx, "job-1", JobStatusPending, JobStatusBuilding, ""))

	// Version declares a stale parent; the whole completion must roll back.
	err := s.CompleteBuild(ctx, "job-1", makeVersion("v2", ""), nil)
	assert.ErrorIs(t, err, ErrNotHead)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusBuilding, job.Status, "job transition must not persist")

	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Equal(t, "job-1", bs.ActiveJobID, "slot must not be released")
}

func TestCacheEntryFirstWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := CacheEntry{
		Repository:  testRepo,
		Fingerprint: "blake3:abc",
		Payload:     []byte("original docs"),
		JobID:       "job-1",
		GeneratedAt: time.Now(),
	}
	require.NoError(t, s.PutCacheEntry(ctx, first))

	second := first
	second.Payload = []byte("other docs")
	second.JobID = "job-2"
	require.NoError(t, s.PutCacheEntry(ctx, second))

	got, err := s.GetCacheEntry(ctx, testRepo, "blake3:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("original docs"), got.Payload)
	assert.Equal(t, "job-1", got.JobID, "original provenance survives")
}

func TestCacheEntryScopedByRepository(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutCacheEntry(ctx, CacheEntry{
		Repository: testRepo, Fingerprint: "blake3:abc",
		Payload: []byte("docs"), JobID: "job-1", GeneratedAt: time.Now(),
	}))

	_, err := s.GetCacheEntry(ctx, "https://elsewhere.test/repo.git", "blake3:abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneCacheKeepsReferencedFingerprints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.AppendVersion(ctx, makeVersion("v1", ""), map[string]string{"sym.a": "blake3:live"}))

	for _, fp := range []string{"blake3:live", "blake3:dead"} {
		require.NoError(t, s.PutCacheEntry(ctx, CacheEntry{
			Repository: testRepo, Fingerprint: fp,
			Payload: []byte("docs"), JobID: "job-1", GeneratedAt: time.Now(),
		}))
	}

	pruned, err := s.PruneCache(ctx, testRepo)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = s.GetCacheEntry(ctx, testRepo, "blake3:live")
	assert.NoError(t, err)
	_, err = s.GetCacheEntry(ctx, testRepo, "blake3:dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogAppendAndReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.AppendLog(ctx, LogEntry{
			JobID: "job-1", Seq: i, Timestamp: base, Level: "info",
			Message: "stage update",
		}))
	}

	all, err := s.GetLogs(ctx, "job-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	tail, err := s.GetLogs(ctx, "job-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Seq)

	limited, err := s.GetLogs(ctx, "job-1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestFailBuildSettlesJobAndSlotTogether(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, makeJob("job-1", time.Now())))
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-1"))
	require.NoError(t, s.TransitionJob(ctx, "job-1", JobStatusPending, JobStatusBuilding, ""))

	require.NoError(t, s.FailBuild(ctx, "job-1", "extractor unreachable"))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "extractor unreachable", job.Error)
	require.NotNil(t, job.FinishedAt)

	bs, err := s.GetBranch(ctx, testRepo, testBranch)
	require.NoError(t, err)
	assert.Empty(t, bs.ActiveJobID)
}

func TestFailBuildSettlesPendingJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, makeJob("job-1", time.Now())))
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-1"))

	require.NoError(t, s.FailBuild(ctx, "job-1", "canceled before start"))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
}

func TestFailBuildRefusesTerminalJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, makeJob("job-1", time.Now())))
	require.NoError(t, s.EnsureBranch(ctx, testRepo, testBranch))
	require.NoError(t, s.ReserveSlot(ctx, testRepo, testBranch, "job-1"))
	require.NoError(t, s.TransitionJob(ctx, "job-1", JobStatusPending, JobStatusBuilding, ""))
	require.NoError(t, s.CompleteBuild(ctx, "job-1", makeVersion("v1", ""), map[string]string{"pkg.A": "fp-a"}))

	err := s.FailBuild(ctx, "job-1", "late failure")
	assert.ErrorIs(t, err, ErrBadStatus)

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status, "a settled build is never clobbered")
}

func TestFailBuildUnknownJob(t *testing.T) {
	s := openTestStore(t)
	err := s.FailBuild(context.Background(), "ghost", "reason")
	assert.ErrorIs(t, err, ErrNotFound)
}
