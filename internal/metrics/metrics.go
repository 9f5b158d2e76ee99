// Package metrics provides Prometheus metrics for the chat relay
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Stream session metrics
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec
	SessionsInFlight prometheus.Gauge
	ChunksTotal      *prometheus.CounterVec
	AdmissionDenied  *prometheus.CounterVec

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates and registers all collectors on reg.
// A nil reg uses a fresh registry so repeated calls never collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	factory := promauto.With(reg)

	m := &Metrics{gatherer: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.SessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_sessions_total",
			Help: "Total number of message exchanges by terminal outcome",
		},
		[]string{"service", "outcome"},
	)

	m.SessionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_session_duration_seconds",
			Help:    "Duration of message exchanges in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"service"},
	)

	m.SessionsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_sessions_in_flight",
			Help: "Number of streams currently relaying",
		},
	)

	m.ChunksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_stream_chunks_total",
			Help: "Total number of fragments relayed downstream",
		},
		[]string{"service"},
	)

	m.AdmissionDenied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_admission_denied_total",
			Help: "Total number of rejected requests by reason",
		},
		[]string{"reason"},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_store_operations_total",
			Help: "Total number of conversation store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_store_operation_duration_seconds",
			Help:    "Duration of conversation store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SessionStarted marks a stream as in flight; call the returned func when it ends
func (m *Metrics) SessionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.SessionsInFlight.Inc()
	return m.SessionsInFlight.Dec
}

// RecordSession records a finished exchange
func (m *Metrics) RecordSession(service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(service, outcome).Inc()
	m.SessionDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordChunk counts one relayed fragment
func (m *Metrics) RecordChunk(service string) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(service).Inc()
}

// RecordDenied counts an admission rejection
func (m *Metrics) RecordDenied(reason string) {
	if m == nil {
		return
	}
	m.AdmissionDenied.WithLabelValues(reason).Inc()
}

// RecordStoreOperation records a store call
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
