package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCacheEntry returns the cache entry for (repository, fingerprint), or
// ErrNotFound on a miss. The key is content, not identity: distinct symbol ids
// sharing a fingerprint resolve to the same row.
func (s *Store) GetCacheEntry(ctx context.Context, repository, fingerprint string) (CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		e           CacheEntry
		generatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT repository, fingerprint, payload, job_id, generated_at
		 FROM doc_cache WHERE repository = ? AND fingerprint = ?`,
		repository, fingerprint).
		Scan(&e.Repository, &e.Fingerprint, &e.Payload, &e.JobID, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("query cache entry: %w", err)
	}
	e.GeneratedAt = time.UnixMilli(generatedAt)
	return e, nil
}

// PutCacheEntry stores a generated payload under (repository, fingerprint).
// Writes are first-wins: a fingerprint identifies its content, so a concurrent
// sibling-branch build writing the same key carries an equivalent payload and
// the existing row (with its original provenance) is kept.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO doc_cache (repository, fingerprint, payload, job_id, generated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (repository, fingerprint) DO NOTHING`,
		e.Repository, e.Fingerprint, e.Payload, e.JobID, e.GeneratedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}
	return nil
}

// PruneCache lazily removes entries whose fingerprint no longer appears in any
// stored version of the repository. Retention is otherwise unbounded.
func (s *Store) PruneCache(ctx context.Context, repository string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM doc_cache WHERE repository = ? AND fingerprint NOT IN (
		   SELECT vs.fingerprint FROM version_symbols vs
		   JOIN versions v ON v.id = vs.version_id WHERE v.repository = ?
		 )`, repository, repository)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	return res.RowsAffected()
}
