// Package metrics exposes Prometheus collectors for HTTP traffic and the
// backend resilience layer.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mvds-io/NextKalk-sub000/pkg/resilience"
)

const namespace = "kalk_planner"

// Metrics owns a registry and the collectors registered in it.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	backendAttempts *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendInFlight prometheus.Gauge
	circuitState    prometheus.GaugeFunc
	sessionHealthy  prometheus.GaugeFunc
}

// New registers all collectors. breaker and healthy may be nil.
func New(breaker *resilience.CircuitBreaker, healthy func() bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		backendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "attempts_total",
			Help: "Backend call attempts by operation and outcome.",
		}, []string{"op", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "backend", Name: "attempt_duration_seconds",
			Help:    "Duration of single backend attempts.",
			Buckets: prometheus.ExponentialBuckets(0.002, 2, 12),
		}, []string{"op"}),
		backendInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backend", Name: "inflight_calls",
			Help: "Backend calls currently holding a throttle slot.",
		}),
	}
	m.circuitState = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "backend", Name: "circuit_state",
		Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
	}, func() float64 {
		if breaker == nil {
			return 0
		}
		return float64(breaker.State())
	})
	m.sessionHealthy = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "session", Name: "healthy",
		Help: "1 when the backend session is valid.",
	}, func() float64 {
		if healthy == nil || healthy() {
			return 1
		}
		return 0
	})

	m.Registry.MustRegister(
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.backendAttempts, m.backendDuration, m.backendInFlight,
		m.circuitState, m.sessionHealthy,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveAttempt implements resilience.Observer.
func (m *Metrics) ObserveAttempt(op string, attempt int, err error, took time.Duration) {
	m.backendAttempts.WithLabelValues(op, outcome(attempt, err)).Inc()
	m.backendDuration.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveInFlight implements resilience.Observer.
func (m *Metrics) ObserveInFlight(n int) {
	m.backendInFlight.Set(float64(n))
}

func outcome(attempt int, err error) string {
	switch {
	case err == nil && attempt > 1:
		return "recovered"
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case resilience.IsAuthError(err):
		return "auth"
	case resilience.Retryable(err):
		return "transient"
	default:
		return "error"
	}
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
