package metrics

import (
	"mercator-hq/gatekeeper/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// RateLimitMetrics tracks token bucket operations.
//
// Metrics:
//   - gatekeeper_ratelimit_checks_total: bucket operations by result and unit
type RateLimitMetrics struct {
	checksTotal *prometheus.CounterVec
}

// NewRateLimitMetrics creates and registers rate limit metrics with the provided registry.
func NewRateLimitMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RateLimitMetrics {
	m := &RateLimitMetrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of token bucket operations",
			},
			[]string{"result", "unit"},
		),
	}

	registry.MustRegister(m.checksTotal)

	return m
}

// RecordCheck increments the check counter.
func (m *RateLimitMetrics) RecordCheck(unit, result string) {
	m.checksTotal.WithLabelValues(result, unit).Inc()
}
