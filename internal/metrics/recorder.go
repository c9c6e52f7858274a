// Package metrics defines observability hooks for the build engine and a
// Prometheus-backed implementation.
package metrics

import "time"

// Recorder defines observability hooks for build and stage metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. The
// NoopRecorder allows optional injection.
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveJobDuration(d time.Duration)
	IncJobOutcome(outcome string) // outcome: completed|failed
	IncCacheHit()
	IncCacheMiss()
	IncGenerationFailure()
	SetActiveJobs(n int)
	ObserveCacheHitRate(rate float64)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveJobDuration(time.Duration)           {}
func (NoopRecorder) IncJobOutcome(string)                       {}
func (NoopRecorder) IncCacheHit()                               {}
func (NoopRecorder) IncCacheMiss()                              {}
func (NoopRecorder) IncGenerationFailure()                      {}
func (NoopRecorder) SetActiveJobs(int)                          {}
func (NoopRecorder) ObserveCacheHitRate(float64)                {}
