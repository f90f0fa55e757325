// Package metrics provides Prometheus metrics collection for the gatekeeper.
//
// # Metrics
//
//   - gatekeeper_ratelimit_checks_total{result,unit}
//   - gatekeeper_admission_decisions_total{decision}
//   - gatekeeper_admission_identity_missing_total
//   - gatekeeper_admission_duration_seconds
//   - gatekeeper_storage_errors_total{component}
//   - gatekeeper_wallet_transactions_total{type,duplicate}
//   - gatekeeper_escrow_holds_total{result}
//
// Labels are drawn from small fixed sets. Org ids, user ids and bucket keys
// are never used as labels.
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	limiter := ratelimit.NewLimiter(backend, ratelimit.WithMetrics(collector))
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// A nil *Collector is valid and records nothing.
package metrics
