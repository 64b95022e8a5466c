// Package metrics exposes Prometheus metrics for API calls and scan sync.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics implements api.Observer and session.Recorder.
type SyncMetrics struct {
	APIRequests   *prometheus.CounterVec
	APILatency    *prometheus.HistogramVec
	ScanSaves     *prometheus.CounterVec
	Reconciles    *prometheus.CounterVec
	WebhookEvents *prometheus.CounterVec
	registry      *prometheus.Registry
}

// New creates the metrics and registers them on registry.
func New(registry *prometheus.Registry) (*SyncMetrics, error) {
	m := &SyncMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register sync metrics: %w", err)
	}
	return m, nil
}

// NewRegistry returns a registry with the Go and process collectors plus
// the sync metrics.
func NewRegistry() (*prometheus.Registry, *SyncMetrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := New(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, m, nil
}

func (m *SyncMetrics) initMetrics() {
	m.APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plantdoc_api_requests_total",
		Help: "Backend API requests by operation and outcome (ok or error kind)",
	}, []string{"op", "outcome"})

	m.APILatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plantdoc_api_request_duration_seconds",
		Help:    "Backend API request latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 11),
	}, []string{"op"})

	m.ScanSaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plantdoc_scan_saves_total",
		Help: "Scan saves by result: synced, pending, duplicate or failed",
	}, []string{"result"})

	m.Reconciles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plantdoc_reconcile_total",
		Help: "Session reconciliation steps by part and source used",
	}, []string{"part", "source"})

	m.WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plantdoc_payment_webhooks_total",
		Help: "Payment webhook events by purchase status",
	}, []string{"status"})
}

// Describe implements prometheus.Collector.
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.APIRequests.Describe(ch)
	m.APILatency.Describe(ch)
	m.ScanSaves.Describe(ch)
	m.Reconciles.Describe(ch)
	m.WebhookEvents.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	m.APIRequests.Collect(ch)
	m.APILatency.Collect(ch)
	m.ScanSaves.Collect(ch)
	m.Reconciles.Collect(ch)
	m.WebhookEvents.Collect(ch)
}

func (m *SyncMetrics) ObserveRequest(op, outcome string, elapsed time.Duration) {
	m.APIRequests.WithLabelValues(op, outcome).Inc()
	m.APILatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *SyncMetrics) RecordSave(result string) {
	m.ScanSaves.WithLabelValues(result).Inc()
}

func (m *SyncMetrics) RecordReconcile(part, source string) {
	m.Reconciles.WithLabelValues(part, source).Inc()
}

func (m *SyncMetrics) RecordWebhook(status string) {
	m.WebhookEvents.WithLabelValues(status).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *SyncMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
