package state

import "time"

// JobStatus represents the status of a build job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusBuilding  JobStatus = "building"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// TriggerKind records what caused a job to be enqueued.
type TriggerKind string

const (
	TriggerAuto   TriggerKind = "auto"   // watcher cycle detected drift
	TriggerNotify TriggerKind = "notify" // push notification
	TriggerManual TriggerKind = "manual" // operator request
)

// Job is one build of a (repository, branch) at a commit. Mutated only through
// the job controller; terminal once completed or failed.
type Job struct {
	ID         string      `json:"id"`
	Repository string      `json:"repository"`
	Branch     string      `json:"branch"`
	Commit     string      `json:"commit"`
	Trigger    TriggerKind `json:"trigger"`
	Forced     bool        `json:"forced"`
	Status     JobStatus   `json:"status"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// BranchState tracks one (repository, branch): the last commit the watcher
// evaluated, the freeze flag, the active build slot, and the lineage head.
type BranchState struct {
	Repository     string    `json:"repository"`
	Branch         string    `json:"branch"`
	LastSeenCommit string    `json:"last_seen_commit"`
	Frozen         bool      `json:"frozen"`
	ActiveJobID    string    `json:"active_job_id,omitempty"`
	HeadVersionID  string    `json:"head_version_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VersionStats holds the per-build classification counts and derived metrics.
type VersionStats struct {
	Unchanged         int           `json:"unchanged"`
	Modified          int           `json:"modified"`
	Added             int           `json:"added"`
	Removed           int           `json:"removed"`
	FailedGenerations int           `json:"failed_generations"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
	Duration          time.Duration `json:"duration"`
}

// Version is one immutable docpack version, parent-linked into a per-branch chain.
type Version struct {
	ID         string       `json:"id"`
	Repository string       `json:"repository"`
	Branch     string       `json:"branch"`
	ParentID   string       `json:"parent_id,omitempty"` // empty only for the lineage root
	Commit     string       `json:"commit"`
	Stats      VersionStats `json:"stats"`
	CreatedAt  time.Time    `json:"created_at"`
}

// CacheEntry is one content-addressed documentation payload with provenance.
type CacheEntry struct {
	Repository  string    `json:"repository"`
	Fingerprint string    `json:"fingerprint"`
	Payload     []byte    `json:"payload"`
	JobID       string    `json:"job_id"`
	GeneratedAt time.Time `json:"generated_at"`
}

// LogEntry is one ordered, append-only per-job log record.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}
