package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// StoreMetrics holds metrics related to metadata store operations.
// It implements metadata.MetricsRecorder.
type StoreMetrics struct {
	// LatencyHistogram tracks operation latencies broken down by operation type and status.
	// Labels: operation (get, put, delete, list, txn, put_ephemeral), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total operations by operation type and status.
	RequestsTotal *prometheus.CounterVec
}

// DefaultStoreLatencyBuckets are latency buckets for metadata operations.
// Point reads are sub-millisecond; a purge window transaction can take seconds.
var DefaultStoreLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
	10.0,   // 10s
}

func storeLatencyOpts() prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace: "loam",
		Subsystem: "metadata",
		Name:      "operation_latency_seconds",
		Help:      "Metadata store operation latency in seconds, broken down by operation type and status.",
		Buckets:   DefaultStoreLatencyBuckets,
	}
}

func storeRequestsOpts() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "loam",
		Subsystem: "metadata",
		Name:      "operations_total",
		Help:      "Total number of metadata store operations, broken down by operation type and status.",
	}
}

// NewStoreMetrics creates and registers metadata store metrics.
// Uses promauto for automatic registration with the default registry.
func NewStoreMetrics() *StoreMetrics {
	return &StoreMetrics{
		LatencyHistogram: promauto.NewHistogramVec(storeLatencyOpts(), []string{"operation", "status"}),
		RequestsTotal:    promauto.NewCounterVec(storeRequestsOpts(), []string{"operation", "status"}),
	}
}

// NewStoreMetricsWithRegistry creates metadata store metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewStoreMetricsWithRegistry(reg prometheus.Registerer) *StoreMetrics {
	f := promauto.With(reg)
	return &StoreMetrics{
		LatencyHistogram: f.NewHistogramVec(storeLatencyOpts(), []string{"operation", "status"}),
		RequestsTotal:    f.NewCounterVec(storeRequestsOpts(), []string{"operation", "status"}),
	}
}

// RecordOp records an operation latency and increments the request counter.
func (m *StoreMetrics) RecordOp(operation string, durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}
