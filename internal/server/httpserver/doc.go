// Package httpserver serves the offstored HTTP surface: health and
// readiness probes, a cells summary and Prometheus metrics.
//
// Nothing here reads or writes content; segments and manifests are only
// reachable in-process through the storage package.
package httpserver
