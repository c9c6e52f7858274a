package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyJobID       = "job_id"
	KeyJobStatus   = "job_status"
	KeyTrigger     = "trigger"
	KeyStage       = "stage"
	KeyRepo        = "repository"
	KeyBranch      = "branch"
	KeyCommit      = "commit"
	KeyVersionID   = "version_id"
	KeyFingerprint = "fingerprint"
	KeySymbolID    = "symbol_id"
	KeyDurationMS  = "duration_ms"
	KeyAttempt     = "attempt"
	KeyWorker      = "worker"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func JobID(id string) slog.Attr        { return slog.String(KeyJobID, id) }
func JobStatus(s string) slog.Attr     { return slog.String(KeyJobStatus, s) }
func Trigger(t string) slog.Attr       { return slog.String(KeyTrigger, t) }
func Stage(name string) slog.Attr      { return slog.String(KeyStage, name) }
func Repository(r string) slog.Attr    { return slog.String(KeyRepo, r) }
func Branch(b string) slog.Attr        { return slog.String(KeyBranch, b) }
func Commit(c string) slog.Attr        { return slog.String(KeyCommit, c) }
func VersionID(id string) slog.Attr    { return slog.String(KeyVersionID, id) }
func Fingerprint(fp string) slog.Attr  { return slog.String(KeyFingerprint, fp) }
func SymbolID(id string) slog.Attr     { return slog.String(KeySymbolID, id) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Attempt(n int) slog.Attr          { return slog.Int(KeyAttempt, n) }
func Worker(id string) slog.Attr       { return slog.String(KeyWorker, id) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
