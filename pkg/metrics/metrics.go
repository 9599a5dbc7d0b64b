// Package metrics holds the Prometheus collectors exported by Atlas.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	BudgetDecisions     *prometheus.CounterVec
	SpendUSD            *prometheus.CounterVec
	SpendRecordFailures *prometheus.CounterVec
	OverageCharges      *prometheus.CounterVec
	BillingCycleErrors  prometheus.Counter
	ChatRequests        *prometheus.CounterVec
	ChatDuration        *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BudgetDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_budget_decisions_total",
				Help: "Budget ceiling decisions by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		SpendUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_spend_usd_total",
				Help: "Recorded model spend in USD",
			},
			[]string{"tier"},
		),
		SpendRecordFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_spend_record_failures_total",
				Help: "Spend increments that could not be persisted",
			},
			[]string{"tier"},
		),
		OverageCharges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_overage_charges_total",
				Help: "Overage charges by final status",
			},
			[]string{"status"},
		),
		BillingCycleErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "atlas_billing_cycle_errors_total",
				Help: "Per-user errors collected during overage billing cycles",
			},
		),
		ChatRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atlas_chat_requests_total",
				Help: "Chat requests by provider and status code",
			},
			[]string{"provider", "status"},
		),
		ChatDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atlas_chat_request_duration_seconds",
				Help:    "Upstream chat latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"provider"},
		),
	}

	m.registry.MustRegister(
		m.BudgetDecisions,
		m.SpendUSD,
		m.SpendRecordFailures,
		m.OverageCharges,
		m.BillingCycleErrors,
		m.ChatRequests,
		m.ChatDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
