package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Workflow outcome metrics.
var (
	authzOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_operations_total",
			Help: "Authorization workflow operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	authzLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_limit_rejections_total",
		Help: "Operations rejected by the per-seller approved product limit.",
	})

	authzCooldownBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_cooldown_blocks_total",
		Help: "Re-requests blocked by an active rejection cooldown.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authzOperationsTotal, authzLimitRejections, authzCooldownBlocks,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation counts one workflow operation with its outcome
// ("ok" or the error kind).
func ObserveOperation(operation, outcome string) {
	authzOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// IncLimitRejection counts one limit rejection.
func IncLimitRejection() { authzLimitRejections.Inc() }

// IncCooldownBlock counts one cooldown block.
func IncCooldownBlock() { authzCooldownBlocks.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 5 && parts[1] == "v1" && parts[2] == "authorizations" && parts[4] == "audit":
		return "/v1/authorizations/:id/audit"
	case len(parts) == 5 && parts[1] == "v1" && parts[2] == "sellers" && parts[4] == "limits":
		return "/v1/sellers/:id/limits"
	}
	return path
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
