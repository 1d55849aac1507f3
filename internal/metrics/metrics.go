// Package metrics provides Prometheus metrics for the gateway.
//
// No metric value or label ever contains a secret or a placeholder: the
// endpoint label is a coarse request class, the strategy label is the
// strategy kind (or "reverse" for redactions), and hosts appear nowhere.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels for secrets_sanitized_total.
const (
	DirectionInject = "inject"
	DirectionRedact = "redact"
)

// Metrics holds every collector the gateway exposes.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RequestBytes      prometheus.Histogram
	ResponseBytes     prometheus.Histogram
	SecretsSanitized  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	HandshakeFailures *prometheus.CounterVec
	CertificateExpiry *prometheus.GaugeVec

	// FailOpenTotal counts requests the gate let through under
	// fail_mode=open that closed mode would have rejected. Any nonzero
	// value in production is an alarm.
	FailOpenTotal prometheus.Counter

	// ResponseCapExceeded counts responses that streamed past the
	// configured response cap.
	ResponseCapExceeded prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all gateway collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Proxied requests by method, upstream status, and request class.",
		}, []string{"method", "status", "endpoint"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		RequestBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_request_bytes",
			Help:    "Request body sizes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		ResponseBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_response_bytes",
			Help:    "Response body sizes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		SecretsSanitized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secrets_sanitized_total",
			Help: "Placeholder injections and secret redactions by strategy.",
		}, []string{"direction", "strategy"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Agent connections currently open.",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtls_handshake_failures_total",
			Help: "Rejected agent-side TLS handshakes by reason.",
		}, []string{"reason"}),
		CertificateExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "certificate_expiry_seconds",
			Help: "Seconds until the named certificate expires.",
		}, []string{"subject"}),
		FailOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_fail_open_total",
			Help: "Requests permitted only because fail_mode=open.",
		}),
		ResponseCapExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "response_cap_exceeded_total",
			Help: "Responses that streamed past the configured size cap.",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestBytes,
		m.ResponseBytes,
		m.SecretsSanitized,
		m.ActiveConnections,
		m.HandshakeFailures,
		m.CertificateExpiry,
		m.FailOpenTotal,
		m.ResponseCapExceeded,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCertificate records time-to-expiry for a certificate subject.
func (m *Metrics) ObserveCertificate(subject string, notAfter time.Time) {
	m.CertificateExpiry.WithLabelValues(subject).Set(time.Until(notAfter).Seconds())
}

// CountRequest records one completed request.
func (m *Metrics) CountRequest(method string, status int, endpoint string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, statusText(status), endpoint).Inc()
	m.RequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// statusText renders the status label; 0 means no upstream response.
func statusText(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
