// Package metrics exposes dispatcher telemetry to Prometheus. Collectors
// are registered on the registry passed in, never on the global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marybot/internal/dispatch"
	"marybot/internal/notification"
)

const namespace = "marybot"

// Metrics implements dispatch.Stats and carries the HTTP middleware
// collectors.
type Metrics struct {
	reg *prometheus.Registry

	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
	records          *prometheus.CounterVec
	batchFailures    prometheus.Counter
	queueDepth       prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ dispatch.Stats = (*Metrics)(nil)

// New registers all collectors on reg. A nil reg gets a fresh registry
// with the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := &Metrics{
		reg: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Settled dispatch jobs by notification type and outcome.",
		}, []string{"type", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from formatting to settlement of one job.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Per-channel delivery attempts by outcome.",
		}, []string{"channel", "outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records settled, by result.",
		}, []string{"result"}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Batches that failed as a whole.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_queue_depth",
			Help:      "Jobs waiting in the host queue.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
	}
	reg.MustRegister(
		m.dispatches, m.dispatchDuration, m.deliveries, m.records,
		m.batchFailures, m.queueDepth, m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) DispatchSettled(t notification.Type, outcome string, took time.Duration) {
	m.dispatches.WithLabelValues(string(t), outcome).Inc()
	m.dispatchDuration.WithLabelValues(string(t)).Observe(took.Seconds())
}

func (m *Metrics) DeliveryAttempt(channel string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) RecordsSettled(sent, failed int) {
	m.records.WithLabelValues("sent").Add(float64(sent))
	m.records.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) BatchFailed() { m.batchFailures.Inc() }

func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		m.httpDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(path, r.Method, status).Inc()
	})
}
