// Package metrics holds the Prometheus collectors for unlockd.
//
// Every method is safe to call on a nil *Metrics, so components can take
// metrics as an optional dependency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Unlock outcomes used as the "outcome" label.
const (
	OutcomeGranted      = "granted"
	OutcomeNoop         = "noop"
	OutcomeInsufficient = "insufficient_credits"
	OutcomeUnknown      = "unknown_vertical"
	OutcomeInvalid      = "invalid_request"
	OutcomeUnavailable  = "store_unavailable"
)

// Metrics holds all unlockd collectors.
type Metrics struct {
	UnlockRequests  *prometheus.CounterVec
	UnlockDuration  *prometheus.HistogramVec
	CreditsCharged  *prometheus.CounterVec
	RecordsUnlocked *prometheus.CounterVec
	CreditAdjusts   *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UnlockRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unlockd_unlock_requests_total",
				Help: "Unlock requests by vertical and outcome",
			},
			[]string{"vertical", "outcome"},
		),
		UnlockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unlockd_unlock_duration_seconds",
				Help:    "Duration of the atomic unlock transaction",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"vertical"},
		),
		CreditsCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unlockd_credits_charged_total",
				Help: "Credits debited by unlocks",
			},
			[]string{"vertical"},
		),
		RecordsUnlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unlockd_records_unlocked_total",
				Help: "Records newly granted by unlocks",
			},
			[]string{"vertical"},
		),
		CreditAdjusts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unlockd_credit_adjustments_total",
				Help: "Out-of-band credit grants and refunds by direction",
			},
			[]string{"direction"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unlockd_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unlockd_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	reg.MustRegister(
		m.UnlockRequests,
		m.UnlockDuration,
		m.CreditsCharged,
		m.RecordsUnlocked,
		m.CreditAdjusts,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// ObserveUnlock records one finished unlock attempt.
func (m *Metrics) ObserveUnlock(vertical, outcome string, charged int64, granted int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UnlockRequests.WithLabelValues(vertical, outcome).Inc()
	m.UnlockDuration.WithLabelValues(vertical).Observe(elapsed.Seconds())
	if charged > 0 {
		m.CreditsCharged.WithLabelValues(vertical).Add(float64(charged))
	}
	if granted > 0 {
		m.RecordsUnlocked.WithLabelValues(vertical).Add(float64(granted))
	}
}

// ObserveAdjustment records an out-of-band ledger adjustment.
func (m *Metrics) ObserveAdjustment(delta int64) {
	if m == nil {
		return
	}
	direction := "credit"
	if delta < 0 {
		direction = "debit"
	}
	m.CreditAdjusts.WithLabelValues(direction).Inc()
}

// ObserveHTTP records one handled HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
