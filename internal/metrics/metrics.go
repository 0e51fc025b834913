package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the correlation pipeline. All
// Record helpers are safe to call on a nil receiver so tests can pass nil.
type Metrics struct {
	// Adapter metrics
	AdapterCalls   *prometheus.CounterVec
	AdapterLatency *prometheus.HistogramVec

	// Correlation metrics
	CorrelationWarnings *prometheus.CounterVec
	BatchesProcessed    *prometheus.CounterVec

	// Aggregation/persistence metrics
	BucketUpserts *prometheus.CounterVec
	StageLatency  *prometheus.HistogramVec

	// Report metrics
	ReportsBuilt   prometheus.Counter
	PartialReports prometheus.Counter

	// System metrics
	ActiveWorkers prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		AdapterCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Store adapter calls by store, operation and status",
			},
			[]string{"store", "op", "status"},
		),
		AdapterLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_latency_seconds",
				Help:      "Store adapter call latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"store", "op"},
		),
		CorrelationWarnings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "correlation_warnings_total",
				Help:      "Unresolved cross-store references by kind",
			},
			[]string{"kind"},
		),
		BatchesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_processed_total",
				Help:      "User-identity batches processed by status",
			},
			[]string{"status"},
		),
		BucketUpserts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bucket_upserts_total",
				Help:      "DailyMetric bucket upserts by family and status",
			},
			[]string{"family", "status"},
		),
		StageLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_latency_seconds",
				Help:      "Pipeline stage latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"stage"},
		),
		ReportsBuilt: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_built_total",
				Help:      "Insight report snapshots assembled",
			},
		),
		PartialReports: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partial_reports_total",
				Help:      "Report snapshots flagged partial due to failed buckets",
			},
		),
		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workers",
				Help:      "Pipeline workers currently running",
			},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAdapterCall records a store adapter call.
func (m *Metrics) RecordAdapterCall(store, op, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.AdapterCalls.WithLabelValues(store, op, status).Inc()
	m.AdapterLatency.WithLabelValues(store, op).Observe(latency.Seconds())
}

// RecordCorrelationWarning records an unresolved reference.
func (m *Metrics) RecordCorrelationWarning(kind string) {
	if m == nil {
		return
	}
	m.CorrelationWarnings.WithLabelValues(kind).Inc()
}

// RecordBatch records a processed batch.
func (m *Metrics) RecordBatch(status string) {
	if m == nil {
		return
	}
	m.BatchesProcessed.WithLabelValues(status).Inc()
}

// RecordUpsert records a bucket upsert.
func (m *Metrics) RecordUpsert(family, status string) {
	if m == nil {
		return
	}
	m.BucketUpserts.WithLabelValues(family, status).Inc()
}

// RecordStage records a pipeline stage duration.
func (m *Metrics) RecordStage(stage string, latency time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(latency.Seconds())
}

// RecordReport records an assembled report snapshot.
func (m *Metrics) RecordReport(partial bool) {
	if m == nil {
		return
	}
	m.ReportsBuilt.Inc()
	if partial {
		m.PartialReports.Inc()
	}
}

// WorkerStarted increments the active worker gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

// WorkerFinished decrements the active worker gauge.
func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}
