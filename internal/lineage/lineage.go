// Package lineage maintains the immutable, parent-linked chain of docpack
// versions per tracked branch. The head pointer advances only on successful
// build completion; appends whose declared parent is not the current head are
// rejected, which rules out forks and cycles by construction.
package lineage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/docpackd/internal/errors"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

// Service exposes lineage operations over the state store.
type Service struct {
	store *state.Store
}

// NewService creates a lineage service.
func NewService(store *state.Store) *Service {
	return &Service{store: store}
}

// NewVersion assembles a version record ready for appending. The id is
// assigned here so callers can log it before the append lands.
func NewVersion(repository, branch, parentID, commit string, stats state.VersionStats) state.Version {
	return state.Version{
		ID:         uuid.NewString(),
		Repository: repository,
		Branch:     branch,
		ParentID:   parentID,
		Commit:     commit,
		Stats:      stats,
		CreatedAt:  time.Now(),
	}
}

// Append adds a version with its symbol manifest to the branch lineage.
func (s *Service) Append(ctx context.Context, v state.Version, symbols map[string]string) error {
	err := s.store.AppendVersion(ctx, v, symbols)
	return translate(err)
}

// Head returns the current head version id, "" for an empty lineage.
func (s *Service) Head(ctx context.Context, repository, branch string) (string, error) {
	id, err := s.store.HeadVersion(ctx, repository, branch)
	return id, translate(err)
}

// HeadManifest returns the symbol manifest of the lineage head. An empty
// lineage yields an empty manifest (first builds diff against nothing).
func (s *Service) HeadManifest(ctx context.Context, repository, branch string) (string, map[string]string, error) {
	headID, err := s.Head(ctx, repository, branch)
	if err != nil {
		return "", nil, err
	}
	if headID == "" {
		return "", map[string]string{}, nil
	}
	symbols, err := s.store.VersionSymbols(ctx, headID)
	if err != nil {
		return "", nil, translate(err)
	}
	return headID, symbols, nil
}

// Get returns one version by id.
func (s *Service) Get(ctx context.Context, id string) (state.Version, error) {
	v, err := s.store.GetVersion(ctx, id)
	return v, translate(err)
}

// List returns a branch's versions, newest first.
func (s *Service) List(ctx context.Context, repository, branch string) ([]state.Version, error) {
	vs, err := s.store.ListVersions(ctx, repository, branch)
	return vs, translate(err)
}

// SetFrozen toggles auto-trigger eligibility. Manual forced builds are not
// affected by the flag.
func (s *Service) SetFrozen(ctx context.Context, repository, branch string, frozen bool) error {
	return translate(s.store.SetFrozen(ctx, repository, branch, frozen))
}

// translate maps store sentinels into the engine error taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, state.ErrNotHead):
		return errors.Wrap(err, errors.CategoryLineage, errors.SeverityFatal, "declared parent is not the lineage head")
	case stderrors.Is(err, state.ErrCorruptChain):
		return errors.CorruptLineage("lineage head record is missing").WithContext("cause", err.Error())
	case stderrors.Is(err, state.ErrNotFound):
		return err
	default:
		return errors.StateError(err, "lineage store operation failed")
	}
}
