// Package metrics exposes Prometheus collectors for the allocation engine
// and its background jobs.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/allocation-engine/allocation"
)

// Metrics implements allocation.Observer and tracks job runs.
type Metrics struct {
	events        *prometheus.CounterVec
	recompute     *prometheus.HistogramVec
	verifications *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

var _ allocation.Observer = (*Metrics)(nil)

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors against registerer. When registerer is
// nil the default Prometheus registerer is used, once.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// EventApplied records one ApplyEvent call, accepted or rejected.
func (m *Metrics) EventApplied(t allocation.EventType, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t), Outcome(err)).Inc()
	m.recompute.WithLabelValues(string(t)).Observe(elapsed.Seconds())
}

// ProjectionVerified records the result of a rebuild-vs-cache comparison.
func (m *Metrics) ProjectionVerified(_ allocation.ScheduleID, match bool) {
	if m == nil {
		return
	}
	result := "match"
	if !match {
		result = "mismatch"
	}
	m.verifications.WithLabelValues(result).Inc()
}

// Outcome classifies an apply error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, allocation.ErrPeriodClosed):
		return "period_closed"
	case errors.Is(err, allocation.ErrReconciliation):
		return "reconciliation"
	case errors.Is(err, allocation.ErrConcurrentModification), errors.Is(err, allocation.ErrLockNotAcquired):
		return "conflict"
	case errors.Is(err, allocation.ErrScheduleNotFound):
		return "not_found"
	case allocation.IsClientError(err):
		return "invalid"
	default:
		return "error"
	}
}

// =============================================================================
// JOBS
// =============================================================================

// Tracker instruments a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts a tracker for the named job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records duration and status and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	t.metrics.jobRuns.WithLabelValues(t.job, status).Inc()
	t.metrics.jobDuration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_events_total",
		Help: "Schedule events submitted, by event type and outcome.",
	}, []string{"type", "outcome"})
	recompute := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "allocation_recompute_duration_seconds",
		Help:    "Time to validate, recompute and persist one schedule event.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_projection_verifications_total",
		Help: "Projection rebuild checks, by result.",
	}, []string{"result"})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "allocation_jobs_total",
		Help: "Background job executions by job name and status.",
	}, []string{"job", "status"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "allocation_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	registerer.MustRegister(events, recompute, verifications, jobRuns, jobDuration)
	return &Metrics{
		events:        events,
		recompute:     recompute,
		verifications: verifications,
		jobRuns:       jobRuns,
		jobDuration:   jobDuration,
	}
}
