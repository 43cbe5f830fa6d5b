package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenantgate"

// Metrics holds every collector the service exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	authzDecisions *prometheus.CounterVec
	authzDuration  *prometheus.HistogramVec

	auditWriteFailures *prometheus.CounterVec
	auditAlerts        *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		authzDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_decisions_total",
			Help:      "Authorization decisions by outcome and rejection kind.",
		}, []string{"outcome", "kind"}),
		authzDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authz_duration_seconds",
			Help:      "Time spent in the authorization pipeline.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),
		auditWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit records that could not be written, by risk level.",
		}, []string{"risk"}),
		auditAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_alerts_total",
			Help:      "Operator alerts raised for lost critical audit records.",
		}, []string{"result"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Tenantgate build information.",
		}, []string{"version", "commit"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
			m.authzDecisions, m.authzDuration,
			m.auditWriteFailures, m.auditAlerts,
			m.buildInfo,
		)
	}
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetBuildInfo sets build_info{version,commit} to 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// ObserveDecision records one pipeline run. kind is empty for allowed decisions.
func (m *Metrics) ObserveDecision(allowed bool, kind string, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
		kind = "none"
	}
	m.authzDecisions.WithLabelValues(outcome, kind).Inc()
	m.authzDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AuditWriteFailed counts a dropped or escalated audit record.
func (m *Metrics) AuditWriteFailed(risk string) {
	if m == nil {
		return
	}
	m.auditWriteFailures.WithLabelValues(risk).Inc()
}

// AuditAlert counts an alert attempt; result is "sent" or "failed".
func (m *Metrics) AuditAlert(result string) {
	if m == nil {
		return
	}
	m.auditAlerts.WithLabelValues(result).Inc()
}

// Instrument measures in-flight requests, totals and latency. Paths are
// labelled by chi route pattern when available.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := CanonicalPath(r.URL.Path)
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "overrides":
		return "/v1/users/{userID}/overrides"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "overrides":
		return "/v1/users/{userID}/overrides/{permission}"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "organizations" && parts[3] == "permissions" && parts[4] == "check":
		return "/v1/organizations/{orgID}/permissions/check"
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
