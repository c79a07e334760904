// Package telemetry registers the service's Prometheus metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebook_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carebook_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebook_auth_resolutions_total",
			Help: "Authorization resolutions by outcome (ok, degraded, unauthenticated, error).",
		},
		[]string{"outcome"},
	)

	provisioningTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebook_org_provisioning_total",
			Help: "Organization provisioning attempts by outcome (created, reused, failed).",
		},
		[]string{"outcome"},
	)

	auditWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carebook_audit_write_failures_total",
			Help: "Audit events that could not be written, by event type.",
		},
		[]string{"event_type"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		authResolutionsTotal,
		provisioningTotal,
		auditWriteFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint as a Fiber handler.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// ObserveRequest records one completed HTTP request.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// CountAuthResolution records an authorization resolution outcome.
func CountAuthResolution(outcome string) {
	authResolutionsTotal.WithLabelValues(outcome).Inc()
}

// CountProvisioning records an organization provisioning outcome.
func CountProvisioning(outcome string) {
	provisioningTotal.WithLabelValues(outcome).Inc()
}

// CountAuditWriteFailure records a failed audit write.
func CountAuditWriteFailure(eventType string) {
	auditWriteFailures.WithLabelValues(eventType).Inc()
}
