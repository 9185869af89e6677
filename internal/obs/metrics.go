package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	authDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_decisions_total",
			Help: "Authorization decisions by module and result.",
		},
		[]string{"module", "result"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cache_lookups_total",
			Help: "Revocation and profile cache lookups by result.",
		},
		[]string{"cache", "result"},
	)

	tokenEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_events_total",
			Help: "Token lifecycle events (minted, verified, rejected, revoked).",
		},
		[]string{"event"},
	)

	otpEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_otp_events_total",
			Help: "One-time code events (issued, verified, consumed, rejected).",
		},
		[]string{"event"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check succeeded.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authDecisions, cacheLookups, tokenEvents, otpEvents, readyGauge,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts an authorization decision.
func ObserveDecision(module, result string) {
	authDecisions.WithLabelValues(module, result).Inc()
}

// ObserveCache counts a cache lookup by result (hit, miss, stale, corrupt, error).
func ObserveCache(cache, result string) {
	cacheLookups.WithLabelValues(cache, result).Inc()
}

// ObserveToken counts a token lifecycle event.
func ObserveToken(event string) {
	tokenEvents.WithLabelValues(event).Inc()
}

// ObserveOTP counts a one-time code event.
func ObserveOTP(event string) {
	otpEvents.WithLabelValues(event).Inc()
}

// SetReady records the readiness check outcome.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument wraps a handler with RPS, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && (parts[1] == "accounts" || parts[1] == "departments"):
		return "/v1/" + parts[1] + "/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "accounts" && parts[3] == "deactivate":
		return "/v1/accounts/:id/deactivate"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "departments" && parts[3] == "head":
		return "/v1/departments/:id/head"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "grants":
		return "/v1/grants/:account/:module"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
