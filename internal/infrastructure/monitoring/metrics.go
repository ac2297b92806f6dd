// Package monitoring exposes Prometheus metrics for the tree engine.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Tree metrics
	MutationsTotal  *prometheus.CounterVec // by kind: attach, detach, move_view, ...
	RejectionsTotal *prometheus.CounterVec // by reason: cycle, bad_index, cross_view, ...
	NodesTracked    prometheus.Gauge

	// Host bridge metrics
	HostEventsTotal  *prometheus.CounterVec
	HostCallsTotal   *prometheus.CounterVec
	HostCallFailures *prometheus.CounterVec
	WSConnections    prometheus.Gauge

	// Persistence metrics
	SnapshotSaves      prometheus.Counter
	SnapshotSaveErrors prometheus.Counter
	ReconcilesTotal    prometheus.Counter
	NodesDropped       prometheus.Counter
	StoreDegraded      prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
	gatherer  prometheus.Gatherer
}

// NewMetrics creates a new metrics collector registered on a private
// registry, so tests can create collectors without duplicate registration
// panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	m.gatherer = reg
	return m
}

// Handler serves the metrics registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbor_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "path"},
		),

		MutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_tree_mutations_total",
				Help: "Total number of committed tree mutations",
			},
			[]string{"kind"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_tree_rejections_total",
				Help: "Total number of rejected mutations",
			},
			[]string{"reason"},
		),
		NodesTracked: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbor_tree_nodes",
				Help: "Number of tracked tree nodes",
			},
		),

		HostEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_host_events_total",
				Help: "Total number of host tab lifecycle events",
			},
			[]string{"type"},
		),
		HostCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_host_calls_total",
				Help: "Total number of outbound host calls",
			},
			[]string{"action"},
		),
		HostCallFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbor_host_call_failures_total",
				Help: "Total number of failed outbound host calls",
			},
			[]string{"action"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbor_ws_connections",
				Help: "Number of active host bridge connections",
			},
		),

		SnapshotSaves: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "arbor_snapshot_saves_total",
				Help: "Total number of snapshot writes",
			},
		),
		SnapshotSaveErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "arbor_snapshot_save_errors_total",
				Help: "Total number of failed snapshot writes",
			},
		),
		ReconcilesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "arbor_reconciles_total",
				Help: "Total number of completed reconciliation passes",
			},
		),
		NodesDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "arbor_reconcile_nodes_dropped_total",
				Help: "Nodes dropped during reconciliation because no live tab matched",
			},
		),
		StoreDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbor_store_degraded",
				Help: "1 when the engine runs in-memory-only after store failures",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "arbor_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMutation records a committed tree mutation.
func (m *Metrics) RecordMutation(kind string) {
	m.MutationsTotal.WithLabelValues(kind).Inc()
}

// RecordRejection records a rejected mutation.
func (m *Metrics) RecordRejection(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordHostEvent records an inbound host event.
func (m *Metrics) RecordHostEvent(eventType string) {
	m.HostEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordHostCall records an outbound host call and its outcome.
func (m *Metrics) RecordHostCall(action string, err error) {
	m.HostCallsTotal.WithLabelValues(action).Inc()
	if err != nil {
		m.HostCallFailures.WithLabelValues(action).Inc()
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
