// Package metric provides Prometheus metrics for offstore.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: storage metric set and HTTP handler
//
// Metrics include:
//
//   - Cell operation counters and latency histograms
//   - Batch size histograms
//   - Stale manifest prune counter
//   - Active mechanism gauge
//
// Metrics are exposed at /metrics in Prometheus format by offstored.
package metric
