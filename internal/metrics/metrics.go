// Package metrics holds the Prometheus collectors of the finance subsystem.
// They register on the default registry and are served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "school_finance"

// ─── Transactions ───────────────────────────────────────────────────────────

// TransactionsCreated counts created transactions by type and origin (api, bulk).
var TransactionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transactions",
	Name:      "created_total",
	Help:      "Total financial transactions created.",
}, []string{"type", "origin"})

// TransitionsTotal counts status transitions by target status and origin
// (manual, provider).
var TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "transactions",
	Name:      "transitions_total",
	Help:      "Total payment status transitions.",
}, []string{"to", "origin"})

// ─── Invoices ───────────────────────────────────────────────────────────────

// InvoiceOperations counts provider operations by op and outcome.
var InvoiceOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "invoices",
	Name:      "operations_total",
	Help:      "Total invoice provider operations by outcome.",
}, []string{"op", "outcome"})

// ProviderLatency observes provider HTTP round trips.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "request_duration_seconds",
	Help:      "Invoice provider request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"op"})

// ProviderBreakerState is 0 closed, 1 half-open, 2 open.
var ProviderBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "breaker_state",
	Help:      "Circuit breaker state of the invoice provider client (0=closed, 1=half-open, 2=open).",
})

// ─── Bulk ───────────────────────────────────────────────────────────────────

// BulkRuns counts bulk generation runs by type.
var BulkRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bulk",
	Name:      "runs_total",
	Help:      "Total bulk charge generation runs.",
}, []string{"type"})

// CascadeResults counts per-item invoice cascade outcomes.
var CascadeResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bulk",
	Name:      "cascade_results_total",
	Help:      "Per-transaction invoice cascade outcomes.",
}, []string{"outcome"})

// ─── Jobs ───────────────────────────────────────────────────────────────────

// RefreshJobs counts invoice refresh jobs by final status.
var RefreshJobs = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "invoice_refresh_total",
	Help:      "Invoice refresh jobs by final status.",
}, []string{"status"})

// Outcome returns the label value for err.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPRequests counts API requests by method, route pattern and status.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "API requests by method, route and status code.",
}, []string{"method", "route", "status"})

// HTTPDuration tracks API latency by route pattern.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "API request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})
