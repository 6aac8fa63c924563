// Package metrics defines Prometheus collectors for the points ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CreditsTotal      *prometheus.CounterVec
	DebitsTotal       *prometheus.CounterVec
	BonusClaimsTotal  *prometheus.CounterVec
	ExpiryRunsTotal   *prometheus.CounterVec
	PointsExpired     prometheus.Counter
	OperationDuration *prometheus.HistogramVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CreditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_credits_total",
				Help: "Total credit operations.",
			},
			[]string{"type", "status"},
		),
		DebitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_debits_total",
				Help: "Total debit operations.",
			},
			[]string{"type", "status"},
		),
		BonusClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_bonus_claims_total",
				Help: "Total daily bonus claims.",
			},
			[]string{"status"},
		),
		ExpiryRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_expiry_runs_total",
				Help: "Total expiry runs.",
			},
			[]string{"status"},
		),
		PointsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_points_expired_total",
				Help: "Total points forfeited by expiry runs.",
			},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_operation_duration_seconds",
				Help:    "Ledger operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.CreditsTotal,
		m.DebitsTotal,
		m.BonusClaimsTotal,
		m.ExpiryRunsTotal,
		m.PointsExpired,
		m.OperationDuration,
	)
	return m
}

func (m *Metrics) IncCredit(txType, status string) {
	if m == nil {
		return
	}
	m.CreditsTotal.WithLabelValues(txType, status).Inc()
}

func (m *Metrics) IncDebit(txType, status string) {
	if m == nil {
		return
	}
	m.DebitsTotal.WithLabelValues(txType, status).Inc()
}

func (m *Metrics) IncBonusClaim(status string) {
	if m == nil {
		return
	}
	m.BonusClaimsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveExpiry(status string, points int64) {
	if m == nil {
		return
	}
	m.ExpiryRunsTotal.WithLabelValues(status).Inc()
	if points > 0 {
		m.PointsExpired.Add(float64(points))
	}
}

func (m *Metrics) ObserveOperation(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}
