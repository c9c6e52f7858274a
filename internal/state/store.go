// Package state persists the engine's exposed surface (jobs, branch state,
// versions, cache entries, logs) in SQLite. All cross-job shared mutations go
// through conditional UPDATEs so concurrent watcher cycles and enqueue attempts
// never need a coarse global lock.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by the store. Callers wrap them into the engine's
// structured error taxonomy.
var (
	ErrNotFound     = errors.New("state: not found")
	ErrSlotHeld     = errors.New("state: branch slot already held")
	ErrNotHead      = errors.New("state: parent is not the lineage head")
	ErrBadStatus    = errors.New("state: illegal job status transition")
	ErrStaleCommit  = errors.New("state: last seen commit changed concurrently")
	ErrCorruptChain = errors.New("state: lineage head record missing")
)

// Store is a SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates a new store. Use ":memory:" for an in-memory database, or a
// file path for persistent storage.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// modernc sqlite serializes access per connection; a single connection
	// keeps :memory: databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close() // Best effort cleanup on initialization error
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		branch TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		forced INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_branch ON jobs(repository, branch);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS branch_state (
		repository TEXT NOT NULL,
		branch TEXT NOT NULL,
		last_seen_commit TEXT NOT NULL DEFAULT '',
		frozen INTEGER NOT NULL DEFAULT 0,
		active_job_id TEXT,
		head_version_id TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (repository, branch)
	);

	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		branch TEXT NOT NULL,
		parent_id TEXT,
		commit_sha TEXT NOT NULL,
		unchanged INTEGER NOT NULL,
		modified INTEGER NOT NULL,
		added INTEGER NOT NULL,
		removed INTEGER NOT NULL,
		failed_generations INTEGER NOT NULL DEFAULT 0,
		cache_hit_rate REAL NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_versions_branch ON versions(repository, branch);

	CREATE TABLE IF NOT EXISTS version_symbols (
		version_id TEXT NOT NULL,
		symbol_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (version_id, symbol_id)
	);

	CREATE TABLE IF NOT EXISTS doc_cache (
		repository TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		payload BLOB NOT NULL,
		job_id TEXT NOT NULL,
		generated_at INTEGER NOT NULL,
		PRIMARY KEY (repository, fingerprint)
	);

	CREATE TABLE IF NOT EXISTS log_entries (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
