package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink is a Sink that records dispatch-loop and attempt-runner
// counters/histograms via prometheus/client_golang. It wraps an inner Sink
// (commonly a SlogSink) so metrics and logs stay in sync without the worker
// package needing to know both exist.
type MetricsSink struct {
	inner Sink

	acquired   *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	reaped     prometheus.Counter
	attemptDur *prometheus.HistogramVec
}

// NewMetricsSink registers its collectors on reg and wraps inner. Pass
// prometheus.NewRegistry() (or prometheus.DefaultRegisterer) for reg.
func NewMetricsSink(reg prometheus.Registerer, inner Sink) *MetricsSink {
	m := &MetricsSink{
		inner: inner,
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "jobs_acquired_total",
			Help:      "Jobs acquired by the dispatch loop, by type.",
		}, []string{"type_name"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "jobs_completed_total",
			Help:      "Jobs completed successfully, by type.",
		}, []string{"type_name"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "job_attempts_failed_total",
			Help:      "Job attempts that ended in failure, by type.",
		}, []string{"type_name"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskqueue",
			Name:      "jobs_reaped_total",
			Help:      "Jobs reclaimed from an expired lease.",
		}),
		attemptDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskqueue",
			Name:      "job_attempt_duration_seconds",
			Help:      "Duration of a single job attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type_name"}),
	}
	reg.MustRegister(m.acquired, m.completed, m.failed, m.reaped, m.attemptDur)
	return m
}

func (m *MetricsSink) Emit(ctx context.Context, e Event) {
	switch e.Kind {
	case KindJobAttemptStarted:
		m.acquired.WithLabelValues(e.TypeName).Inc()
	case KindJobCompleted:
		m.completed.WithLabelValues(e.TypeName).Inc()
	case KindJobAttemptFailed:
		m.failed.WithLabelValues(e.TypeName).Inc()
	case KindJobReaped:
		m.reaped.Inc()
	case KindJobAttemptCompleted:
		if seconds, ok := e.Attrs["duration_seconds"].(float64); ok {
			m.attemptDur.WithLabelValues(e.TypeName).Observe(seconds)
		}
	}
	if m.inner != nil {
		m.inner.Emit(ctx, e)
	}
}

var _ Sink = (*MetricsSink)(nil)
