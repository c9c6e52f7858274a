package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureBranch creates the branch row if it does not exist yet.
func (s *Store) EnsureBranch(ctx context.Context, repository, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branch_state (repository, branch, last_seen_commit, updated_at)
		 VALUES (?, ?, '', ?)
		 ON CONFLICT (repository, branch) DO NOTHING`,
		repository, branch, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure branch: %w", err)
	}
	return nil
}

// GetBranch returns the state row for one (repository, branch), or ErrNotFound.
func (s *Store) GetBranch(ctx context.Context, repository, branch string) (BranchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT repository, branch, last_seen_commit, frozen, active_job_id, head_version_id, updated_at
		 FROM branch_state WHERE repository = ? AND branch = ?`,
		repository, branch)
	return scanBranch(row)
}

// ListBranches returns all tracked branch rows.
func (s *Store) ListBranches(ctx context.Context) ([]BranchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT repository, branch, last_seen_commit, frozen, active_job_id, head_version_id, updated_at
		 FROM branch_state ORDER BY repository, branch`)
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var states []BranchState
	for rows.Next() {
		bs, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, bs)
	}
	return states, rows.Err()
}

// ReserveSlot claims the single-active-build slot for a branch. The reservation
// is a conditional UPDATE: it succeeds only when no job currently holds the
// slot, so concurrent enqueue attempts cannot both win. Returns ErrSlotHeld
// when the slot is occupied.
func (s *Store) ReserveSlot(ctx context.Context, repository, branch, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE branch_state SET active_job_id = ?, updated_at = ?
		 WHERE repository = ? AND branch = ? AND active_job_id IS NULL`,
		jobID, time.Now().UnixMilli(), repository, branch)
	if err != nil {
		return fmt.Errorf("reserve slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve slot rows: %w", err)
	}
	if n == 0 {
		return ErrSlotHeld
	}
	return nil
}

// ReleaseSlot frees the branch slot held by jobID. Releasing a slot held by a
// different job is a no-op, so a late release cannot clobber a newer build.
func (s *Store) ReleaseSlot(ctx context.Context, repository, branch, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseSlotLocked(ctx, s.db, repository, branch, jobID)
}

func (s *Store) releaseSlotLocked(ctx context.Context, ex execer, repository, branch, jobID string) error {
	_, err := ex.ExecContext(ctx,
		`UPDATE branch_state SET active_job_id = NULL, updated_at = ?
		 WHERE repository = ? AND branch = ? AND active_job_id = ?`,
		time.Now().UnixMilli(), repository, branch, jobID)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// AdvanceLastSeen moves last_seen_commit from observed to next. The compare
// half of the swap protects against a concurrent watcher cycle: when the
// stored value no longer matches observed, ErrStaleCommit is returned and the
// caller re-reads. The advance itself is unconditional policy-wise (frozen
// branches advance too).
func (s *Store) AdvanceLastSeen(ctx context.Context, repository, branch, observed, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE branch_state SET last_seen_commit = ?, updated_at = ?
		 WHERE repository = ? AND branch = ? AND last_seen_commit = ?`,
		next, time.Now().UnixMilli(), repository, branch, observed)
	if err != nil {
		return fmt.Errorf("advance last seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance last seen rows: %w", err)
	}
	if n == 0 {
		return ErrStaleCommit
	}
	return nil
}

// SetFrozen toggles the auto-trigger eligibility flag for a branch.
func (s *Store) SetFrozen(ctx context.Context, repository, branch string, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE branch_state SET frozen = ?, updated_at = ?
		 WHERE repository = ? AND branch = ?`,
		boolToInt(frozen), time.Now().UnixMilli(), repository, branch)
	if err != nil {
		return fmt.Errorf("set frozen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set frozen rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBranch(row rowScanner) (BranchState, error) {
	var (
		bs        BranchState
		frozen    int
		activeJob sql.NullString
		headVer   sql.NullString
		updatedAt int64
	)
	err := row.Scan(&bs.Repository, &bs.Branch, &bs.LastSeenCommit, &frozen, &activeJob, &headVer, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return BranchState{}, ErrNotFound
	}
	if err != nil {
		return BranchState{}, fmt.Errorf("scan branch: %w", err)
	}
	bs.Frozen = frozen != 0
	bs.ActiveJobID = activeJob.String
	bs.HeadVersionID = headVer.String
	bs.UpdatedAt = time.UnixMilli(updatedAt)
	return bs, nil
}
