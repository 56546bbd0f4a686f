package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginAttemptsTotal          *prometheus.CounterVec
	TokensIssuedTotal           *prometheus.CounterVec
	TokenVerificationsTotal     *prometheus.CounterVec
	TwoFactorVerificationsTotal *prometheus.CounterVec

	// Session metrics
	SessionsActive          prometheus.Gauge
	SessionTransitionsTotal *prometheus.CounterVec

	// Threat metrics
	ThreatTriggersTotal *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec

	// Key metrics
	KeyRotationsTotal *prometheus.CounterVec
	KeyAgeSeconds     prometheus.Gauge

	// Store metrics
	StoreErrorsTotal *prometheus.CounterVec

	// Audit metrics
	AuditEventsTotal        *prometheus.CounterVec
	AuditWriteFailuresTotal *prometheus.CounterVec
	AuditEventsDroppedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_login_attempts_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_tokens_issued_total",
				Help: "Tokens issued by type",
			},
			[]string{"type"},
		),
		TokenVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_token_verifications_total",
				Help: "Token verifications by result",
			},
			[]string{"result"},
		),
		TwoFactorVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_two_factor_verifications_total",
				Help: "Second factor checks by method and result",
			},
			[]string{"method", "result"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_sessions_active",
				Help: "Live sessions seen by the last sweep",
			},
		),
		SessionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_session_transitions_total",
				Help: "Session status transitions by target status",
			},
			[]string{"status"},
		),

		ThreatTriggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_threat_triggers_total",
				Help: "Threat rule triggers by type and action",
			},
			[]string{"threat_type", "action"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_rate_limited_total",
				Help: "Requests rejected by rate limit",
			},
			[]string{"operation"},
		),

		KeyRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_key_rotations_total",
				Help: "Key rotations by status",
			},
			[]string{"status"},
		),
		KeyAgeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_key_age_seconds",
				Help: "Age of the active key material",
			},
		),

		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_store_errors_total",
				Help: "Shared store failures by component",
			},
			[]string{"component"},
		),

		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_events_total",
				Help: "Audit events recorded by type",
			},
			[]string{"event_type"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_write_failures_total",
				Help: "Audit sink write failures",
			},
			[]string{"sink"},
		),
		AuditEventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_events_dropped_total",
				Help: "Audit events dropped because a sink backlog was full",
			},
			[]string{"sink"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.TokensIssuedTotal,
		m.TokenVerificationsTotal,
		m.TwoFactorVerificationsTotal,
		m.SessionsActive,
		m.SessionTransitionsTotal,
		m.ThreatTriggersTotal,
		m.RateLimitedTotal,
		m.KeyRotationsTotal,
		m.KeyAgeSeconds,
		m.StoreErrorsTotal,
		m.AuditEventsTotal,
		m.AuditWriteFailuresTotal,
		m.AuditEventsDroppedTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel uses the mux route template so path parameters such as
// session IDs never become label values.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
