package metrics

import (
	"time"

	"mercator-hq/gatekeeper/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionMetrics tracks admission decisions.
//
// Metrics:
//   - gatekeeper_admission_decisions_total: decisions by outcome
//   - gatekeeper_admission_identity_missing_total: policies naming an absent segment identifier
//   - gatekeeper_admission_duration_seconds: time spent deciding
type AdmissionMetrics struct {
	decisionsTotal  *prometheus.CounterVec
	identityMissing prometheus.Counter
	duration        prometheus.Histogram
}

// NewAdmissionMetrics creates and registers admission metrics with the provided registry.
func NewAdmissionMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AdmissionMetrics {
	m := &AdmissionMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "admission",
				Name:      "decisions_total",
				Help:      "Total number of admission decisions",
			},
			[]string{"decision"},
		),

		identityMissing: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "admission",
				Name:      "identity_missing_total",
				Help:      "Requests whose rate limit segment identifier header was missing",
			},
		),

		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "admission",
				Name:      "duration_seconds",
				Help:      "Duration of admission decisions in seconds",
				Buckets:   cfg.DurationBuckets,
			},
		),
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.identityMissing,
		m.duration,
	)

	return m
}

// RecordDecision records one decision and its latency.
func (m *AdmissionMetrics) RecordDecision(decision string, duration time.Duration) {
	m.decisionsTotal.WithLabelValues(decision).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordIdentityMissing increments the missing identifier counter.
func (m *AdmissionMetrics) RecordIdentityMissing() {
	m.identityMissing.Inc()
}
