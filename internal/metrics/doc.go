// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the purge worker:
//   - Rows purged per purger (deleted nodes, unused transactions)
//   - Window failures, fatal aborts and the current adaptive window width
//   - Purge run outcomes and durations
//   - Metadata store operation latency broken down by operation and status
//   - Backlog gauges sampled from the content store tables
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	purgeMetrics := metrics.NewPurgeMetrics()
//	storeMetrics := metrics.NewStoreMetrics()
//
//	meta = metadata.NewInstrumentedStore(meta, storeMetrics)
//	coord, err := purge.NewCoordinator(store, lock, cfg, purge.WithRecorder(purgeMetrics))
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics
