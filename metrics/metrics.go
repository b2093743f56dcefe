// Package metrics holds the Prometheus collectors for the engine. All
// recorders are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "viewsync"

type Metrics struct {
	VersionsPublished   prometheus.Counter
	RolloutsCreated     *prometheus.CounterVec
	Receipts            *prometheus.CounterVec
	InstanceFailures    prometheus.Counter
	ConflictResolutions *prometheus.CounterVec
	ExecuteDuration     prometheus.Histogram
}

// New registers the collectors with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VersionsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "versions_published_total",
			Help:      "Template versions published, including initial versions.",
		}),
		RolloutsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollouts_created_total",
			Help:      "Rollouts created, by mode and initial status.",
		}, []string{"mode", "status"}),
		Receipts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipts_total",
			Help:      "Receipt outcomes recorded during rollout execution and follow-up actions.",
		}, []string{"mode", "status"}),
		InstanceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollout_instance_failures_total",
			Help:      "Per-instance failures during rollout execution.",
		}),
		ConflictResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_resolutions_total",
			Help:      "Conflicts resolved, by resolution.",
		}, []string{"resolution"}),
		ExecuteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollout_execute_duration_seconds",
			Help:      "Wall time of a single ExecuteRollout call.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
}

func (m *Metrics) VersionPublished() {
	if m == nil {
		return
	}
	m.VersionsPublished.Inc()
}

func (m *Metrics) RolloutCreated(mode, status string) {
	if m == nil {
		return
	}
	m.RolloutsCreated.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) Receipt(mode, status string) {
	if m == nil {
		return
	}
	m.Receipts.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) InstanceFailure() {
	if m == nil {
		return
	}
	m.InstanceFailures.Inc()
}

func (m *Metrics) ConflictResolved(resolution string) {
	if m == nil {
		return
	}
	m.ConflictResolutions.WithLabelValues(resolution).Inc()
}

func (m *Metrics) ObserveExecute(d time.Duration) {
	if m == nil {
		return
	}
	m.ExecuteDuration.Observe(d.Seconds())
}
