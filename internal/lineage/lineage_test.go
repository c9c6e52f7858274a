package lineage

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docpackd/internal/errors"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

const (
	repo   = "https://git.example.test/acme/widgets.git"
	branch = "main"
)

func newTestService(t *testing.T) (*Service, *state.Store) {
	t.Helper()
	s, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureBranch(context.Background(), repo, branch))
	return NewService(s), s
}

func TestNewVersionAssignsID(t *testing.T) {
	a := NewVersion(repo, branch, "", "c1", state.VersionStats{})
	b := NewVersion(repo, branch, "", "c1", state.VersionStats{})
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, repo, a.Repository)
}

func TestEmptyLineage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	head, err := svc.Head(ctx, repo, branch)
	require.NoError(t, err)
	assert.Equal(t, "", head)

	headID, manifest, err := svc.HeadManifest(ctx, repo, branch)
	require.NoError(t, err)
	assert.Equal(t, "", headID)
	assert.NotNil(t, manifest)
	assert.Empty(t, manifest)
}

func TestAppendAdvancesHead(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	root := NewVersion(repo, branch, "", "c1", state.VersionStats{Added: 2})
	require.NoError(t, svc.Append(ctx, root, map[string]string{"a": "fp1", "b": "fp2"}))

	child := NewVersion(repo, branch, root.ID, "c2", state.VersionStats{Unchanged: 1, Modified: 1, CacheHitRate: 0.5})
	require.NoError(t, svc.Append(ctx, child, map[string]string{"a": "fp1", "b": "fp3"}))

	headID, manifest, err := svc.HeadManifest(ctx, repo, branch)
	require.NoError(t, err)
	assert.Equal(t, child.ID, headID)
	assert.Equal(t, map[string]string{"a": "fp1", "b": "fp3"}, manifest)
}

func TestAppendRejectsForkWithLineageCategory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	root := NewVersion(repo, branch, "", "c1", state.VersionStats{})
	require.NoError(t, svc.Append(ctx, root, nil))

	fork := NewVersion(repo, branch, "", "c2", state.VersionStats{})
	err := svc.Append(ctx, fork, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLineage))
}

func TestGetAndList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	root := NewVersion(repo, branch, "", "c1", state.VersionStats{Duration: 3 * time.Second})
	root.CreatedAt = time.Now().Add(-2 * time.Second)
	require.NoError(t, svc.Append(ctx, root, nil))

	child := NewVersion(repo, branch, root.ID, "c2", state.VersionStats{})
	require.NoError(t, svc.Append(ctx, child, nil))

	got, err := svc.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Commit)
	assert.Equal(t, 3*time.Second, got.Stats.Duration)

	_, err = svc.Get(ctx, "ghost")
	assert.ErrorIs(t, err, state.ErrNotFound)

	versions, err := svc.List(ctx, repo, branch)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, child.ID, versions[0].ID)
}

func TestSetFrozen(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetFrozen(ctx, repo, branch, true))
	bs, err := store.GetBranch(ctx, repo, branch)
	require.NoError(t, err)
	assert.True(t, bs.Frozen)
}

func TestTranslateSentinels(t *testing.T) {
	assert.NoError(t, translate(nil))

	err := translate(state.ErrNotHead)
	assert.True(t, errors.IsCategory(err, errors.CategoryLineage))

	err = translate(state.ErrCorruptChain)
	assert.True(t, errors.IsCategory(err, errors.CategoryLineage))

	// Not-found passes through untranslated so callers can branch on it.
	assert.ErrorIs(t, translate(state.ErrNotFound), state.ErrNotFound)

	err = translate(stderrors.New("disk gone"))
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}
