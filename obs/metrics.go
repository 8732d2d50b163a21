// Package obs holds the facilitator's ambient observability surface:
// Prometheus metrics and the structured-logging/request-id/rate-limit
// middleware chain the HTTP server wraps every route in.
package obs

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the facilitator registers.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	verifyTotal     *prometheus.CounterVec
	settleTotal     *prometheus.CounterVec
	activeRequests  prometheus.Gauge

	queueWarnings  *prometheus.CounterVec
	oracleFallback *prometheus.GaugeVec
}

// NewMetrics builds and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402x_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402x_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		verifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402x_verify_total",
				Help: "Total number of verify attempts by network and outcome reason",
			},
			[]string{"network", "reason"},
		),
		settleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402x_settle_total",
				Help: "Total number of settle attempts by network and outcome reason",
			},
			[]string{"network", "reason"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "x402x_active_requests",
				Help: "Number of HTTP requests currently being handled",
			},
		),
		queueWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402x_signerpool_queue_warnings_total",
				Help: "Number of times a network's signer pool crossed its queue-depth warning threshold",
			},
			[]string{"network"},
		),
		oracleFallback: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "x402x_oracle_fallback_active",
				Help: "1 when a price/gas-price oracle is currently serving a fallback value for network",
			},
			[]string{"oracle", "network"},
		),
	}

	prometheus.MustRegister(
		m.requestsTotal, m.requestDuration, m.verifyTotal, m.settleTotal,
		m.activeRequests, m.queueWarnings, m.oracleFallback,
	)
	return m
}

// Middleware records per-request count/duration/active-gauge metrics.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.activeRequests.Inc()
		c.Next()
		m.activeRequests.Dec()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		m.requestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// RecordVerify records a verify outcome. reason is "" on success.
func (m *Metrics) RecordVerify(network, reason string) {
	if reason == "" {
		reason = "ok"
	}
	m.verifyTotal.WithLabelValues(network, reason).Inc()
}

// RecordSettle records a settle outcome. reason is "" on success.
func (m *Metrics) RecordSettle(network, reason string) {
	if reason == "" {
		reason = "ok"
	}
	m.settleTotal.WithLabelValues(network, reason).Inc()
}

// RecordQueueWarning increments the queue-depth-warning counter for network.
func (m *Metrics) RecordQueueWarning(network string) {
	m.queueWarnings.WithLabelValues(network).Inc()
}

// SetOracleFallback reports whether oracle ("price" | "gasprice") is
// currently serving a fallback value for network.
func (m *Metrics) SetOracleFallback(oracleName, network string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.oracleFallback.WithLabelValues(oracleName, network).Set(v)
}

// Handler exposes the Prometheus exposition format on GET /metrics.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
