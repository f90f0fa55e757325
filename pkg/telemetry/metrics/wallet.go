package metrics

import (
	"strconv"

	"mercator-hq/gatekeeper/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// WalletMetrics tracks ledger and escrow activity.
//
// Metrics:
//   - gatekeeper_wallet_transactions_total: applied transactions by type and replay
//   - gatekeeper_escrow_holds_total: hold lifecycle events
type WalletMetrics struct {
	transactionsTotal *prometheus.CounterVec
	holdsTotal        *prometheus.CounterVec
}

// NewWalletMetrics creates and registers wallet metrics with the provided registry.
func NewWalletMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *WalletMetrics {
	m := &WalletMetrics{
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "wallet",
				Name:      "transactions_total",
				Help:      "Total number of wallet transactions",
			},
			[]string{"type", "duplicate"},
		),

		holdsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "escrow",
				Name:      "holds_total",
				Help:      "Total number of escrow hold events",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.transactionsTotal,
		m.holdsTotal,
	)

	return m
}

// RecordTransaction increments the transaction counter.
func (m *WalletMetrics) RecordTransaction(txType string, duplicate bool) {
	m.transactionsTotal.WithLabelValues(txType, strconv.FormatBool(duplicate)).Inc()
}

// RecordHold increments the hold counter.
func (m *WalletMetrics) RecordHold(result string) {
	m.holdsTotal.WithLabelValues(result).Inc()
}
