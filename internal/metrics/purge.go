package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PurgeMetrics holds metrics related to purge runs.
type PurgeMetrics struct {
	// PurgedTotal counts rows removed. Labels: purger (nodes, txns).
	PurgedTotal *prometheus.CounterVec

	// WindowFailuresTotal counts windows that failed and were halved.
	WindowFailuresTotal *prometheus.CounterVec

	// FatalAbortsTotal counts purgers that gave up because the window fell
	// below its floor.
	FatalAbortsTotal *prometheus.CounterVec

	// WindowSize is the current window width in milliseconds.
	WindowSize *prometheus.GaugeVec

	// RunsTotal counts job runs by outcome.
	RunsTotal *prometheus.CounterVec

	// RunDuration tracks job run durations by outcome.
	RunDuration *prometheus.HistogramVec

	// LastRunTimestamp is the unix time in seconds of the last finished run.
	LastRunTimestamp *prometheus.GaugeVec
}

// DefaultRunDurationBuckets cover runs from a second to several hours.
var DefaultRunDurationBuckets = []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 14400}

type purgeCollectors struct {
	purged   *prometheus.CounterVec
	failures *prometheus.CounterVec
	aborts   *prometheus.CounterVec
	window   *prometheus.GaugeVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
}

func newPurgeCollectors() purgeCollectors {
	return purgeCollectors{
		purged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loam",
				Subsystem: "purge",
				Name:      "purged_total",
				Help:      "Total number of rows purged, broken down by purger.",
			},
			[]string{"purger"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loam",
				Subsystem: "purge",
				Name:      "window_failures_total",
				Help:      "Total number of purge windows that failed and were halved.",
			},
			[]string{"purger"},
		),
		aborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loam",
				Subsystem: "purge",
				Name:      "fatal_aborts_total",
				Help:      "Total number of purges abandoned because the window fell below its floor.",
			},
			[]string{"purger"},
		),
		window: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "loam",
				Subsystem: "purge",
				Name:      "window_size_ms",
				Help:      "Current adaptive purge window width in milliseconds.",
			},
			[]string{"purger"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "loam",
				Subsystem: "purge",
				Name:      "runs_total",
				Help:      "Total number of purge job runs, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "loam",
				Subsystem: "purge",
				Name:      "run_duration_seconds",
				Help:      "Purge job run duration in seconds, broken down by outcome.",
				Buckets:   DefaultRunDurationBuckets,
			},
			[]string{"outcome"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "loam",
				Subsystem: "purge",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last finished purge job run, broken down by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

func (c purgeCollectors) metrics() *PurgeMetrics {
	return &PurgeMetrics{
		PurgedTotal:         c.purged,
		WindowFailuresTotal: c.failures,
		FatalAbortsTotal:    c.aborts,
		WindowSize:          c.window,
		RunsTotal:           c.runs,
		RunDuration:         c.duration,
		LastRunTimestamp:    c.lastRun,
	}
}

// NewPurgeMetrics creates and registers purge metrics with the default registry.
func NewPurgeMetrics() *PurgeMetrics {
	return NewPurgeMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewPurgeMetricsWithRegistry creates purge metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewPurgeMetricsWithRegistry(reg prometheus.Registerer) *PurgeMetrics {
	c := newPurgeCollectors()
	reg.MustRegister(c.purged, c.failures, c.aborts, c.window, c.runs, c.duration, c.lastRun)
	return c.metrics()
}

// RecordBatch adds count purged rows for purger.
func (m *PurgeMetrics) RecordBatch(purger string, count int64) {
	m.PurgedTotal.WithLabelValues(purger).Add(float64(count))
}

// RecordWindowFailure counts a failed window.
func (m *PurgeMetrics) RecordWindowFailure(purger string) {
	m.WindowFailuresTotal.WithLabelValues(purger).Inc()
}

// RecordFatalAbort counts a purger giving up.
func (m *PurgeMetrics) RecordFatalAbort(purger string) {
	m.FatalAbortsTotal.WithLabelValues(purger).Inc()
}

// SetWindowSize publishes the current window width.
func (m *PurgeMetrics) SetWindowSize(purger string, ms int64) {
	m.WindowSize.WithLabelValues(purger).Set(float64(ms))
}

// RecordRun records a finished job run.
func (m *PurgeMetrics) RecordRun(outcome string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.LastRunTimestamp.WithLabelValues(outcome).SetToCurrentTime()
}
