package metrics

import (
	"time"

	"mercator-hq/gatekeeper/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector is the single entry point for the gatekeeper's Prometheus metrics.
// It owns a registry so tests and embedders never collide with the global
// default registry.
//
// Every Record method is safe to call on a nil *Collector and on a collector
// whose config is disabled; both are no-ops. Components therefore take an
// optional collector without guarding each call site.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	rateLimit *RateLimitMetrics
	admission *AdmissionMetrics
	wallet    *WalletMetrics

	storageErrors *prometheus.CounterVec
}

// NewCollector creates a new metrics collector with the specified configuration
// and Prometheus registry. If registry is nil, a fresh registry is created.
// Go runtime and process collectors are registered alongside the gatekeeper's
// own metrics.
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if len(cfg.DurationBuckets) == 0 {
		// Admission is a storage round trip or two, so sub-millisecond to 250ms.
		cfg.DurationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
	}

	c := &Collector{
		config:   cfg,
		registry: registry,
		storageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage backend errors by component",
			},
			[]string{"component"},
		),
	}

	c.rateLimit = NewRateLimitMetrics(cfg, registry)
	c.admission = NewAdmissionMetrics(cfg, registry)
	c.wallet = NewWalletMetrics(cfg, registry)

	registry.MustRegister(
		c.storageErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordRateLimitCheck records a token bucket operation.
//
// Parameters:
//   - unit: policy unit ("request" or "cents")
//   - result: "allowed", "denied", "recorded" or "error"
func (c *Collector) RecordRateLimitCheck(unit, result string) {
	if !c.enabled() {
		return
	}
	c.rateLimit.RecordCheck(unit, result)
}

// RecordStorageError counts a storage failure in the named component
// ("limiter", "wallet", "escrow").
func (c *Collector) RecordStorageError(component string) {
	if !c.enabled() {
		return
	}
	c.storageErrors.WithLabelValues(component).Inc()
}

// RecordAdmissionDecision records the outcome of an admission and how long it took.
//
// Example:
//
//	collector.RecordAdmissionDecision("rate_limited", 800*time.Microsecond)
func (c *Collector) RecordAdmissionDecision(decision string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.admission.RecordDecision(decision, duration)
}

// RecordIdentityMissing counts requests whose policy named a segment the
// request did not identify.
func (c *Collector) RecordIdentityMissing() {
	if !c.enabled() {
		return
	}
	c.admission.RecordIdentityMissing()
}

// RecordWalletTransaction records an applied ledger transaction. Duplicate
// marks an idempotent replay that did not change the balance.
func (c *Collector) RecordWalletTransaction(txType string, duplicate bool) {
	if !c.enabled() {
		return
	}
	c.wallet.RecordTransaction(txType, duplicate)
}

// RecordEscrowHold records an escrow lifecycle event: "reserved",
// "duplicate", "rejected", "settled", "released" or "expired".
func (c *Collector) RecordEscrowHold(result string) {
	if !c.enabled() {
		return
	}
	c.wallet.RecordHold(result)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
