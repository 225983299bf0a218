package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace of every offstore metric.
const Namespace = "offstore"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Storage holds the storage metrics.
//
// A nil *Storage is valid and records nothing, so components can be
// built without a registry in tests.
type Storage struct {
	OpsTotal         *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	BatchSize        *prometheus.HistogramVec
	StalePruned      *prometheus.CounterVec
	MechanismsActive prometheus.Gauge

	// Engine level metrics reported by embedded backends.
	EngineSize   *prometheus.GaugeVec
	EngineGCRuns *prometheus.CounterVec
}

// NewStorage creates the storage metrics and registers them with reg.
// A nil reg leaves the metrics unregistered.
func NewStorage(reg prometheus.Registerer) *Storage {
	s := &Storage{
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cell",
			Name:      "operations_total",
			Help:      "Cell operations by mechanism, cell, operation and result",
		}, []string{"mechanism", "cell", "op", "result"}),

		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "cell",
			Name:      "operation_duration_seconds",
			Help:      "Cell operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"mechanism", "op"}),

		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "cell",
			Name:      "batch_size",
			Help:      "Number of keys or values per batch operation",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"mechanism", "op"}),

		StalePruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cell",
			Name:      "stale_manifests_pruned_total",
			Help:      "Manifests removed because their payload no longer exists",
		}, []string{"mechanism", "cell"}),

		MechanismsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "muxer",
			Name:      "mechanisms_active",
			Help:      "Number of initialized storage mechanisms",
		}),

		EngineSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "size_bytes",
			Help:      "On-disk size of an embedded engine by part (lsm, vlog, total)",
		}, []string{"engine", "part"}),

		EngineGCRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "gc_runs_total",
			Help:      "Value log GC runs that rewrote a file",
		}, []string{"engine"}),
	}

	if reg != nil {
		reg.MustRegister(
			s.OpsTotal,
			s.OpDuration,
			s.BatchSize,
			s.StalePruned,
			s.MechanismsActive,
			s.EngineSize,
			s.EngineGCRuns,
		)
	}

	return s
}

// ObserveOp records one finished cell operation.
func (s *Storage) ObserveOp(mechanism, cell, op string, batch int, elapsed time.Duration, err error) {
	if s == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	s.OpsTotal.WithLabelValues(mechanism, cell, op, result).Inc()
	s.OpDuration.WithLabelValues(mechanism, op).Observe(elapsed.Seconds())
	if batch > 0 {
		s.BatchSize.WithLabelValues(mechanism, op).Observe(float64(batch))
	}
}

// StalePrunedInc counts one pruned stale manifest.
func (s *Storage) StalePrunedInc(mechanism, cell string) {
	if s == nil {
		return
	}
	s.StalePruned.WithLabelValues(mechanism, cell).Inc()
}

// SetMechanismsActive sets the number of initialized mechanisms.
func (s *Storage) SetMechanismsActive(n int) {
	if s == nil {
		return
	}
	s.MechanismsActive.Set(float64(n))
}

// SetEngineSize records the size of one part of an embedded engine.
func (s *Storage) SetEngineSize(engine, part string, bytes int64) {
	if s == nil {
		return
	}
	s.EngineSize.WithLabelValues(engine, part).Set(float64(bytes))
}

// EngineGCAdd counts value log GC runs.
func (s *Storage) EngineGCAdd(engine string, runs int) {
	if s == nil || runs == 0 {
		return
	}
	s.EngineGCRuns.WithLabelValues(engine).Add(float64(runs))
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
