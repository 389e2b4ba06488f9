// Package metrics exposes a Prometheus /metrics endpoint with pool and
// request-level gauges/counters.
package metrics

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiroproxy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	credentialsEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiroproxy_credentials_enabled",
			Help: "Number of currently enabled credentials in the pool",
		},
	)

	credentialsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiroproxy_credentials_in_flight",
			Help: "Sum of in-flight use counters across all credentials",
		},
	)

	circuitOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiroproxy_circuit_open",
			Help: "1 if the global circuit breaker is currently open, 0 otherwise",
		},
	)

	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_upstream_requests_total",
			Help: "Total upstream Kiro calls grouped by outcome kind",
		},
		[]string{"kind"},
	)

	registerOnce sync.Once
)

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDurationSeconds,
			credentialsEnabled,
			credentialsInFlight,
			circuitOpen,
			upstreamRequestsTotal,
		)
	})
}

// Middleware returns a gin middleware recording request count and latency
// per route template (not the raw path, to avoid unbounded label cardinality).
func Middleware() gin.HandlerFunc {
	register()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the /metrics endpoint.
func Handler() gin.HandlerFunc {
	register()
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetCredentialGauges updates the pool-derived gauges; called whenever the
// pool schedules a persist (after each report and admin mutation), not on
// acquire.
func SetCredentialGauges(enabled int, inFlight int32) {
	register()
	credentialsEnabled.Set(float64(enabled))
	credentialsInFlight.Set(float64(inFlight))
}

// SetCircuitOpen updates the circuit-breaker gauge.
func SetCircuitOpen(open bool) {
	register()
	if open {
		circuitOpen.Set(1)
		return
	}
	circuitOpen.Set(0)
}

// RecordUpstream increments the upstream-outcome counter for kind: the pool
// passes "success" or its failure kind (e.g. "generic", "model_unavailable").
func RecordUpstream(kind string) {
	register()
	upstreamRequestsTotal.WithLabelValues(kind).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
