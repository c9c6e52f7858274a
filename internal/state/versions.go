package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendVersion appends an immutable version to a branch lineage inside one
// transaction. The declared parent must equal the branch's current head
// pointer; anything else is rejected with ErrNotHead, which prevents both
// forks and cycles without general cycle detection. On success the head
// pointer advances to the new version.
func (s *Store) AppendVersion(ctx context.Context, v Version, symbols map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.appendVersionTx(ctx, tx, v, symbols); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) appendVersionTx(ctx context.Context, tx *sql.Tx, v Version, symbols map[string]string) error {
	head, err := s.headLockedTx(ctx, tx, v.Repository, v.Branch)
	if err != nil {
		return err
	}
	if head != v.ParentID {
		return fmt.Errorf("declared parent %q, head %q: %w", v.ParentID, head, ErrNotHead)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO versions (id, repository, branch, parent_id, commit_sha,
		   unchanged, modified, added, removed, failed_generations, cache_hit_rate, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Repository, v.Branch, nullableString(v.ParentID), v.Commit,
		v.Stats.Unchanged, v.Stats.Modified, v.Stats.Added, v.Stats.Removed,
		v.Stats.FailedGenerations, v.Stats.CacheHitRate, v.Stats.Duration.Milliseconds(),
		v.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	for id, fp := range symbols {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO version_symbols (version_id, symbol_id, fingerprint) VALUES (?, ?, ?)`,
			v.ID, id, fp); err != nil {
			return fmt.Errorf("insert version symbol: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE branch_state SET head_version_id = ?, updated_at = ?
		 WHERE repository = ? AND branch = ?`,
		v.ID, time.Now().UnixMilli(), v.Repository, v.Branch)
	if err != nil {
		return fmt.Errorf("advance head: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("advance head rows: %w", err)
	} else if n == 0 {
		return fmt.Errorf("branch %s/%s untracked: %w", v.Repository, v.Branch, ErrNotFound)
	}
	return nil
}

// headLockedTx returns the current head version id, validating that the head
// record actually exists. A dangling head pointer means the lineage is corrupt
// and the engine must halt rather than guess.
func (s *Store) headLockedTx(ctx context.Context, tx *sql.Tx, repository, branch string) (string, error) {
	var headVer sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT head_version_id FROM branch_state WHERE repository = ? AND branch = ?`,
		repository, branch).Scan(&headVer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("branch %s/%s: %w", repository, branch, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query head: %w", err)
	}
	if !headVer.Valid || headVer.String == "" {
		return "", nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM versions WHERE id = ?`, headVer.String).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("head %s: %w", headVer.String, ErrCorruptChain)
	}
	if err != nil {
		return "", fmt.Errorf("verify head: %w", err)
	}
	return headVer.String, nil
}

// HeadVersion returns the current head version id for a branch, "" when the
// lineage is empty.
func (s *Store) HeadVersion(ctx context.Context, repository, branch string) (string, error) {
	bs, err := s.GetBranch(ctx, repository, branch)
	if err != nil {
		return "", err
	}
	return bs.HeadVersionID, nil
}

// GetVersion returns one version by id, or ErrNotFound.
func (s *Store) GetVersion(ctx context.Context, id string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, repository, branch, parent_id, commit_sha, unchanged, modified, added, removed,
		        failed_generations, cache_hit_rate, duration_ms, created_at
		 FROM versions WHERE id = ?`, id)
	return scanVersion(row)
}

// ListVersions returns the versions of one branch, newest first.
func (s *Store) ListVersions(ctx context.Context, repository, branch string) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repository, branch, parent_id, commit_sha, unchanged, modified, added, removed,
		        failed_generations, cache_hit_rate, duration_ms, created_at
		 FROM versions WHERE repository = ? AND branch = ? ORDER BY created_at DESC`,
		repository, branch)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// VersionSymbols returns the symbol manifest (id -> fingerprint) of a version.
func (s *Store) VersionSymbols(ctx context.Context, versionID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol_id, fingerprint FROM version_symbols WHERE version_id = ?`, versionID)
	if err != nil {
		return nil, fmt.Errorf("query version symbols: %w", err)
	}
	defer rows.Close()

	symbols := make(map[string]string)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, fmt.Errorf("scan version symbol: %w", err)
		}
		symbols[id] = fp
	}
	return symbols, rows.Err()
}

// CompleteBuild finalizes a successful job in one transaction: the job moves
// building -> completed, the version (with its symbol manifest) is appended
// head-checked, and the branch slot is released. Either everything lands or
// nothing does; partial statistics are never persisted.
func (s *Store) CompleteBuild(ctx context.Context, jobID string, v Version, symbols map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete build: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.transitionJobLocked(ctx, tx, jobID, JobStatusBuilding, JobStatusCompleted, ""); err != nil {
		return err
	}
	if err := s.appendVersionTx(ctx, tx, v, symbols); err != nil {
		return err
	}
	if err := s.releaseSlotLocked(ctx, tx, v.Repository, v.Branch, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

func scanVersion(row rowScanner) (Version, error) {
	var (
		v          Version
		parentID   sql.NullString
		durationMS int64
		createdAt  int64
	)
	err := row.Scan(&v.ID, &v.Repository, &v.Branch, &parentID, &v.Commit,
		&v.Stats.Unchanged, &v.Stats.Modified, &v.Stats.Added, &v.Stats.Removed,
		&v.Stats.FailedGenerations, &v.Stats.CacheHitRate, &durationMS, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	v.ParentID = parentID.String
	v.Stats.Duration = time.Duration(durationMS) * time.Millisecond
	v.CreatedAt = time.UnixMilli(createdAt)
	return v, nil
}
