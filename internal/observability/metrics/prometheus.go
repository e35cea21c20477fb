// Package metrics provides Prometheus metrics for the hospital API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bulk request outcomes
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeReplayed  = "replayed"
	OutcomeError     = "error"
)

// Metrics holds all application metrics
type Metrics struct {
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	RecordsInserted *prometheus.CounterVec
	BulkRequests    *prometheus.CounterVec
	BulkChunkSize   prometheus.Histogram
	OutboxPending   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the metrics and registers them, with the Go and process
// collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hms_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
		RecordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_records_inserted_total",
			Help: "Documents inserted by collection",
		}, []string{"collection"}),
		BulkRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_bulk_requests_total",
			Help: "Bulk insert requests by collection and outcome",
		}, []string{"collection", "outcome"}),
		BulkChunkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hms_bulk_chunk_records",
			Help:    "Records per bulk insert request",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hms_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequests,
		m.HTTPDuration,
		m.RecordsInserted,
		m.BulkRequests,
		m.BulkChunkSize,
		m.OutboxPending,
	)
	return m
}

// Registry exposes the registry for additional collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
