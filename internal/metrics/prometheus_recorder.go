package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration      *prom.HistogramVec
	jobDuration        prom.Histogram
	jobOutcome         *prom.CounterVec
	cacheLookups       *prom.CounterVec
	generationFailures prom.Counter
	activeJobs         prom.Gauge
	cacheHitRate       prom.Histogram
}

// NewPrometheusRecorder constructs and registers Prometheus metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "docpackd",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual build stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		jobDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "docpackd",
			Name:      "job_duration_seconds",
			Help:      "Total build job duration",
			Buckets:   prom.DefBuckets,
		}),
		jobOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docpackd",
			Name:      "job_outcomes_total",
			Help:      "Build job outcomes by final status",
		}, []string{"outcome"}),
		cacheLookups: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docpackd",
			Name:      "cache_lookups_total",
			Help:      "Documentation cache lookups by result",
		}, []string{"result"}),
		generationFailures: prom.NewCounter(prom.CounterOpts{
			Namespace: "docpackd",
			Name:      "generation_failures_total",
			Help:      "Per-unit generator failures recovered with placeholders",
		}),
		activeJobs: prom.NewGauge(prom.GaugeOpts{
			Namespace: "docpackd",
			Name:      "active_jobs",
			Help:      "Jobs currently building",
		}),
		cacheHitRate: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "docpackd",
			Name:      "cache_hit_rate",
			Help:      "Per-build cache hit rate",
			Buckets:   prom.LinearBuckets(0, 0.1, 11),
		}),
	}

	reg.MustRegister(pr.stageDuration, pr.jobDuration, pr.jobOutcome,
		pr.cacheLookups, pr.generationFailures, pr.activeJobs, pr.cacheHitRate)
	return pr
}

func (pr *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	pr.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (pr *PrometheusRecorder) ObserveJobDuration(d time.Duration) {
	pr.jobDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncJobOutcome(outcome string) {
	pr.jobOutcome.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) IncCacheHit() {
	pr.cacheLookups.WithLabelValues("hit").Inc()
}

func (pr *PrometheusRecorder) IncCacheMiss() {
	pr.cacheLookups.WithLabelValues("miss").Inc()
}

func (pr *PrometheusRecorder) IncGenerationFailure() {
	pr.generationFailures.Inc()
}

func (pr *PrometheusRecorder) SetActiveJobs(n int) {
	pr.activeJobs.Set(float64(n))
}

func (pr *PrometheusRecorder) ObserveCacheHitRate(rate float64) {
	pr.cacheHitRate.Observe(rate)
}
