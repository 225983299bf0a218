package httpserver

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/offstore/internal/infra/buildinfo"
	"github.com/yndnr/offstore/internal/storage"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

// Store is the part of storage.Muxer the router reports on.
type Store interface {
	Mechanisms() []string
	Cells() map[string]*storage.Cell
	WritableCell() (string, *storage.Cell, bool)
}

// RouterConfig holds what the routes read from.
type RouterConfig struct {
	Store    Store
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// CellStatus describes one mounted cell.
type CellStatus struct {
	Name          string `json:"name"`
	SegmentStore  string `json:"segment_store"`
	ManifestStore string `json:"manifest_store"`
	Fixed         bool   `json:"fixed_key_space"`
	Writable      bool   `json:"writable"`
}

// Health is the /healthz body.
type Health struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	Mechanisms []string     `json:"mechanisms"`
	Cells      []CellStatus `json:"cells"`
}

// NewRouter builds the HTTP handler.
//
//	GET /healthz   200 with the cells summary, 503 when no mechanism runs
//	GET /readyz    200 when some cell accepts new keys, else 503
//	GET /metrics   Prometheus exposition
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		h := health(cfg.Store)
		status := http.StatusOK
		if h.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if name, _, ok := cfg.Store.WritableCell(); ok {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "cell": name})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	})
	mux.Handle("GET /metrics", metric.Handler(gatherer))

	return Chain(mux, RequestID(), AccessLog(logger), Recover(logger))
}

func health(s Store) Health {
	h := Health{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339),
		Version:    buildinfo.Version,
		Mechanisms: s.Mechanisms(),
		Cells:      []CellStatus{},
	}
	if len(h.Mechanisms) == 0 {
		h.Status = "unavailable"
		h.Mechanisms = []string{}
	}

	writable, _, _ := s.WritableCell()
	for name, c := range s.Cells() {
		h.Cells = append(h.Cells, CellStatus{
			Name:          name,
			SegmentStore:  c.SegmentStore(),
			ManifestStore: c.ManifestStore(),
			Fixed:         c.HasFixedKeySpace(),
			Writable:      name == writable,
		})
	}
	slices.SortFunc(h.Cells, func(a, b CellStatus) int { return strings.Compare(a.Name, b.Name) })
	return h
}
