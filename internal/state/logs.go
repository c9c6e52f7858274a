package state

import (
	"context"
	"fmt"
	"time"
)

// AppendLog persists one ordered log entry for a job.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO log_entries (job_id, seq, ts, level, message) VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.Seq, e.Timestamp.UnixMilli(), e.Level, e.Message)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// GetLogs returns a job's log entries with seq > afterSeq in append order.
// limit <= 0 means no limit.
func (s *Store) GetLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT job_id, seq, ts, level, message FROM log_entries
	          WHERE job_id = ? AND seq > ? ORDER BY seq`
	args := []any{jobID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			ts int64
		)
		if err := rows.Scan(&e.JobID, &e.Seq, &ts, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
