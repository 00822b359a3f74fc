// Package metrics holds the Prometheus collectors for the vault pipelines,
// the audit poller and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starford/healthvault/internal/apperr"
)

// Metrics is the set of collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	auditPolls   *prometheus.CounterVec
	auditEvents  *prometheus.CounterVec
	auditHead    prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthvault_operations_total",
			Help: "Vault operations by outcome; failures are labelled with the responsible party.",
		}, []string{"op", "outcome"}),
		opDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthvault_operation_duration_seconds",
			Help:    "Vault operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		auditPolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthvault_audit_polls_total",
			Help: "Audit poll ticks by result.",
		}, []string{"result"}),
		auditEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthvault_audit_events_total",
			Help: "New ledger events admitted to the audit log.",
		}, []string{"kind"}),
		auditHead: f.NewGauge(prometheus.GaugeOpts{
			Name: "healthvault_audit_head_block",
			Help: "Latest ledger block seen by the audit poller.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "healthvault_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthvault_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOp records one vault operation that started at start.
func (m *Metrics) ObserveOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.PartyOf(err))
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObservePoll records one audit poll.
func (m *Metrics) ObservePoll(head uint64, added map[string]int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.auditPolls.WithLabelValues("error").Inc()
		return
	}
	m.auditPolls.WithLabelValues("ok").Inc()
	m.auditHead.Set(float64(head))
	for kind, n := range added {
		m.auditEvents.WithLabelValues(kind).Add(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by chi route pattern so path parameters do not
// explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the original writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
