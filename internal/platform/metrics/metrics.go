// Package metrics holds the Prometheus collectors for the analysis pipeline
// and payment reconciliation.
package metrics

import (
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analisavet_analyses_total",
			Help: "Exam submissions analyzed, by outcome (ok, invalid, cancelled)",
		},
		[]string{"outcome"},
	)

	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analisavet_analysis_duration_seconds",
			Help:    "Duration of a single exam analysis",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analisavet_webhook_events_total",
			Help: "Payment webhook deliveries, by acknowledgement (accepted, ignored, retry, rejected)",
		},
		[]string{"result"},
	)

	SignatureFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analisavet_webhook_signature_failures_total",
			Help: "Webhook deliveries rejected because the signature did not verify",
		},
	)

	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analisavet_order_transitions_total",
			Help: "Order status transitions applied",
		},
		[]string{"from", "to"},
	)

	ReconcileRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analisavet_reconcile_retries_total",
			Help: "Reconciliation attempts retried after a version conflict or lock timeout",
		},
	)

	ReconcileConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analisavet_reconcile_conflicts_total",
			Help: "Reconciliations that exhausted their retry budget",
		},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analisavet_order_lock_wait_seconds",
			Help:    "Time spent waiting for the per-order lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	DisclosuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analisavet_report_disclosures_total",
			Help: "Report reads, by disclosure level (full, preview)",
		},
		[]string{"level"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analisavet_payment_provider_request_duration_seconds",
			Help:    "Duration of calls to the payment provider API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analisavet_http_requests_total",
			Help: "HTTP requests served, by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analisavet_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ArchiveFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analisavet_report_archive_failures_total",
			Help: "Report archive writes that failed",
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			AnalysesTotal,
			AnalysisDuration,
			WebhookEventsTotal,
			SignatureFailuresTotal,
			OrderTransitionsTotal,
			ReconcileRetriesTotal,
			ReconcileConflictsTotal,
			LockWaitDuration,
			DisclosuresTotal,
			ProviderRequestDuration,
			ArchiveFailuresTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}

// Handler exposes the default registry for scraping.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
