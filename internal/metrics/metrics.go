// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerEntriesTotal counts wallet ledger rows by type and reference.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Total wallet ledger entries by type and reference type.",
		},
		[]string{"type", "reference_type"},
	)

	// LedgerMismatches counts wallets whose balance disagreed with their ledger.
	LedgerMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_mismatches_total",
		Help:      "Wallet audits where balance did not match the ledger.",
	})

	// EscrowTransitionsTotal counts escrow status changes by target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow transaction status changes by target status.",
		},
		[]string{"status"},
	)

	// PayoutTransitionsTotal counts payout status changes by target status.
	PayoutTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_transitions_total",
			Help:      "Payout status changes by target status.",
		},
		[]string{"status"},
	)

	// PayoutJobsTotal counts payout queue jobs handled by workers, by result.
	PayoutJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_jobs_total",
			Help:      "Payout jobs processed by workers by result.",
		},
		[]string{"result"},
	)

	// UnappliedCapturesTotal counts captured payments that moved no money and need a refund.
	UnappliedCapturesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unapplied_captures_total",
			Help:      "Captured gateway payments that could not be applied, by order purpose.",
		},
		[]string{"purpose"},
	)

	// PayoutQueueDepth reports the payout queue lists, sampled by the Redis health check.
	PayoutQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payout_queue_depth",
			Help:      "Payout jobs waiting or in flight.",
		},
		[]string{"state"},
	)

	// WebhooksTotal counts inbound gateway webhooks by event and result.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound gateway webhooks by event and result.",
		},
		[]string{"event", "result"},
	)

	// GatewayRequestDuration observes payment gateway call latency.
	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"operation", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerEntriesTotal,
		LedgerMismatches,
		EscrowTransitionsTotal,
		PayoutTransitionsTotal,
		PayoutJobsTotal,
		PayoutQueueDepth,
		UnappliedCapturesTotal,
		WebhooksTotal,
		GatewayRequestDuration,
	)
}

// ObserveGateway records the latency of one gateway call started at start.
func ObserveGateway(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GatewayRequestDuration.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
