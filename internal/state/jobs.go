package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateJob inserts a new pending job row.
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, repository, branch, commit_sha, trigger_kind, forced, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Repository, job.Branch, job.Commit, string(job.Trigger),
		boolToInt(job.Forced), string(job.Status), job.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, repository, branch, commit_sha, trigger_kind, forced, status, error, created_at, started_at, finished_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns the most recent jobs, newest first, optionally filtered by
// repository. limit <= 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, repository string, limit int) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, repository, branch, commit_sha, trigger_kind, forced, status, error, created_at, started_at, finished_at
	          FROM jobs`
	args := []any{}
	if repository != "" {
		query += ` WHERE repository = ?`
		args = append(args, repository)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionJob moves a job from one status to another, guarded by the current
// status. Returns ErrBadStatus when the job is not in the expected state.
// started/finished timestamps are stamped according to the target status.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionJobLocked(ctx, s.db, id, from, to, errMsg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) transitionJobLocked(ctx context.Context, ex execer, id string, from, to JobStatus, errMsg string) error {
	now := time.Now().UnixMilli()

	query := `UPDATE jobs SET status = ?, error = ?`
	args := []any{string(to), nullableString(errMsg)}
	switch to {
	case JobStatusBuilding:
		query += `, started_at = ?`
		args = append(args, now)
	case JobStatusCompleted, JobStatusFailed:
		query += `, finished_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s %s->%s: %w", id, from, to, ErrBadStatus)
	}
	return nil
}

// FailBuild settles an unsuccessful job in one transaction: the job moves to
// failed with the given reason and its branch slot is released. Pending jobs
// that never started fail the same way. Jobs already terminal are refused
// with ErrBadStatus so a late failure cannot clobber a completed build.
func (s *Store) FailBuild(ctx context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fail build: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var repository, branch, status string
	err = tx.QueryRowContext(ctx,
		`SELECT repository, branch, status FROM jobs WHERE id = ?`, jobID).
		Scan(&repository, &branch, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job for failure: %w", err)
	}
	if JobStatus(status).Terminal() {
		return fmt.Errorf("job %s already %s: %w", jobID, status, ErrBadStatus)
	}

	if err := s.transitionJobLocked(ctx, tx, jobID, JobStatus(status), JobStatusFailed, reason); err != nil {
		return err
	}
	if err := s.releaseSlotLocked(ctx, tx, repository, branch, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job                  Job
		trigger              string
		status               string
		forced               int
		errMsg               sql.NullString
		createdAt            int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Repository, &job.Branch, &job.Commit, &trigger,
		&forced, &status, &errMsg, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Trigger = TriggerKind(trigger)
	job.Status = JobStatus(status)
	job.Forced = forced != 0
	job.Error = errMsg.String
	job.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		job.FinishedAt = &t
	}
	return job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
