// Package metrics provides Prometheus metrics for the SMTP daemon and its
// admin API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total admin API requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of admin API requests by method, path, and status code",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures admin API request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smtpd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks current in-flight requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smtpd",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of admin API requests being processed",
		},
	)

	// HTTPResponseSize measures admin API response size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smtpd",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Admin API response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
)

var (
	// DBConnectionsOpen tracks open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smtpd",
			Subsystem: "db",
			Name:      "connections_open",
			Help:      "Number of open database connections",
		},
	)

	// DBConnectionsInUse tracks database connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smtpd",
			Subsystem: "db",
			Name:      "connections_in_use",
			Help:      "Number of database connections currently in use",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smtpd",
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smtpd",
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

var (
	// SMTPConnectionsTotal counts total SMTP connections accepted
	SMTPConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total number of SMTP connections accepted",
		},
	)

	// SMTPConnectionsActive tracks active SMTP connections
	SMTPConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "connections_active",
			Help:      "Number of active SMTP connections",
		},
	)

	// SMTPConnectionsRefused counts connections refused at admission (421)
	SMTPConnectionsRefused = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "connections_refused_total",
			Help:      "Total number of SMTP connections refused because the server was at MaxConns",
		},
	)

	// SMTPCommandsTotal counts SMTP commands processed by verb; the "outcome"
	// label holds the session state the command left the session in
	SMTPCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "commands_total",
			Help:      "Total number of SMTP commands processed by verb and resulting session state",
		},
		[]string{"verb", "outcome"},
	)

	// SMTPAuthAttemptsTotal counts AUTH attempts by mechanism and outcome
	SMTPAuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "auth_attempts_total",
			Help:      "Total number of SMTP AUTH attempts by mechanism and outcome",
		},
		[]string{"mechanism", "outcome"},
	)

	// SMTPRateLimitedTotal counts deliveries rejected by the rate limiter
	SMTPRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "rate_limited_total",
			Help:      "Total number of deliveries rejected by the rate limiter",
		},
	)

	// SMTPBDATChunksTotal counts BDAT chunks received
	SMTPBDATChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "bdat_chunks_total",
			Help:      "Total number of BDAT chunks received",
		},
	)

	// SMTPMessageBytesTotal counts message body bytes accepted
	SMTPMessageBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "message_bytes_total",
			Help:      "Total number of message body bytes accepted",
		},
	)

	// SMTPEmailsReceived counts total messages accepted via SMTP
	SMTPEmailsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "emails_received_total",
			Help:      "Total number of messages accepted via SMTP",
		},
	)

	// SMTPEmailsRejected counts rejected/deferred messages by reason
	SMTPEmailsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "emails_rejected_total",
			Help:      "Total number of rejected or deferred messages by reason",
		},
		[]string{"reason"},
	)

	// SMTPTLSUpgradesTotal counts STARTTLS upgrades by outcome
	SMTPTLSUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "smtp",
			Name:      "tls_upgrades_total",
			Help:      "Total number of STARTTLS upgrade attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Middleware returns a chi middleware that records admin API HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := getRoutePattern(r)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.size))
	})
}

func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
