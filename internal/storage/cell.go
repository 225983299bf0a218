package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

// CellConfig configures a storage cell.
type CellConfig struct {
	// Name is the cell's logical name within its mechanism (e.g. "v3").
	Name string

	// Mechanism is the owning mechanism's name, used in logs and metrics.
	Mechanism string

	// SegmentStore and ManifestStore name the two stores the cell binds.
	SegmentStore  string
	ManifestStore string

	// FixedKey disables every add operation.
	FixedKey bool

	// Concurrency bounds the sub-operations in flight per batch.
	// 0 means unbounded.
	Concurrency int

	// Logger is the structured logger.
	Logger *slog.Logger

	// Metrics records operation counts and latencies. May be nil.
	Metrics *metric.Storage
}

// Cell is the CRUD surface over one segment store and one manifest store.
//
// Batch operations issue one backend call per key or value concurrently
// and report a single aggregated outcome. A cell shares its backend
// session with the owning mechanism and never closes it.
type Cell struct {
	cfg       CellConfig
	backend   Backend
	logger    *slog.Logger
	destroyed atomic.Bool
}

// NewCell creates a cell over backend. The stores must already exist.
func NewCell(backend Backend, cfg CellConfig) *Cell {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cell{
		cfg:     cfg,
		backend: backend,
		logger: cfg.Logger.With(
			"mechanism", cfg.Mechanism,
			"cell", cfg.Name),
	}
}

// Name returns the cell's logical name.
func (c *Cell) Name() string { return c.cfg.Name }

// SegmentStore returns the name of the segment store.
func (c *Cell) SegmentStore() string { return c.cfg.SegmentStore }

// ManifestStore returns the name of the manifest store.
func (c *Cell) ManifestStore() string { return c.cfg.ManifestStore }

// HasFixedKeySpace reports whether add operations are refused.
func (c *Cell) HasFixedKeySpace() bool { return c.cfg.FixedKey }

// Destroy releases the cell. It is idempotent; every later operation
// fails with ErrCellDestroyed.
func (c *Cell) Destroy() error {
	if c.destroyed.CompareAndSwap(false, true) {
		c.logger.Debug("storage cell destroyed")
	}
	return nil
}

// AddSegments stores each value as a new segment and returns the new
// keys in the order of values.
func (c *Cell) AddSegments(ctx context.Context, values [][]byte) (keys []uint64, err error) {
	defer c.observe("add_segments", len(values), time.Now(), &err)
	return c.add(ctx, c.cfg.SegmentStore, values)
}

// GetSegments returns the segments stored under keys, in the order of
// keys. If any key is absent it fails with ErrKeyNotFound naming every
// absent key and returns no values.
func (c *Cell) GetSegments(ctx context.Context, keys []uint64) (values [][]byte, err error) {
	defer c.observe("get_segments", len(keys), time.Now(), &err)
	return c.get(ctx, c.cfg.SegmentStore, keys)
}

// RemoveSegments deletes the segments stored under keys. onRemove is
// called once for every key whose deletion succeeded, in completion
// order. Calls to onRemove never overlap.
func (c *Cell) RemoveSegments(ctx context.Context, keys []uint64, onRemove func(key uint64)) (err error) {
	defer c.observe("remove_segments", len(keys), time.Now(), &err)
	return c.remove(ctx, c.cfg.SegmentStore, keys, onRemove)
}

// AddManifests stores each manifest under a new key and returns the new
// keys in the order of manifests.
func (c *Cell) AddManifests(ctx context.Context, manifests []*domain.Manifest) (keys []uint64, err error) {
	defer c.observe("add_manifests", len(manifests), time.Now(), &err)

	if err := c.check(); err != nil {
		return nil, err
	}
	if c.cfg.FixedKey {
		return nil, c.fixedKeyError(c.cfg.ManifestStore)
	}

	values := make([][]byte, len(manifests))
	for i, m := range manifests {
		data, err := domain.EncodeManifest(m)
		if err != nil {
			return nil, fmt.Errorf("manifest #%d: %w", i, err)
		}
		values[i] = data
	}
	return c.add(ctx, c.cfg.ManifestStore, values)
}

// GetManifests returns the manifests stored under keys, in the order of
// keys, with the same missing-key semantics as GetSegments.
func (c *Cell) GetManifests(ctx context.Context, keys []uint64) (manifests []*domain.Manifest, err error) {
	defer c.observe("get_manifests", len(keys), time.Now(), &err)

	values, err := c.get(ctx, c.cfg.ManifestStore, keys)
	if err != nil {
		return nil, err
	}

	manifests = make([]*domain.Manifest, len(values))
	for i, v := range values {
		m, err := domain.DecodeManifest(v)
		if err != nil {
			return nil, domain.ErrStorageFailure.
				WithStore(c.cfg.ManifestStore).
				WithKeys(keys[i]).
				WithCause(err)
		}
		manifests[i] = m
	}
	return manifests, nil
}

// RemoveManifests deletes manifests with the same semantics as
// RemoveSegments.
func (c *Cell) RemoveManifests(ctx context.Context, keys []uint64, onRemove func(key uint64)) (err error) {
	defer c.observe("remove_manifests", len(keys), time.Now(), &err)
	return c.remove(ctx, c.cfg.ManifestStore, keys, onRemove)
}

// UpdateManifestExpiration replaces the expiration of the manifest under
// key and leaves every other field untouched. A missing manifest is not
// an error: there is nothing to update.
func (c *Cell) UpdateManifestExpiration(ctx context.Context, key uint64, expiration int64) (err error) {
	defer c.observe("update_expiration", 0, time.Now(), &err)

	if err := c.check(); err != nil {
		return err
	}

	store := c.cfg.ManifestStore
	found, err := c.backend.Get(ctx, store, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.logger.Debug("manifest to update not found", "key", key)
			return nil
		}
		return c.failure(store, err, key)
	}

	updated, err := domain.SetEncodedExpiration(found, expiration)
	if err != nil {
		return c.failure(store, err, key)
	}

	if err := c.backend.Put(ctx, store, key, updated); err != nil {
		return c.failure(store, err, key)
	}
	return nil
}

// GetAllManifests returns every manifest in the store keyed by record key.
//
// Records whose payload the backend reports as missing are stale: they
// are deleted from the store and left out of the result.
func (c *Cell) GetAllManifests(ctx context.Context) (manifests map[uint64]*domain.Manifest, err error) {
	defer c.observe("get_all_manifests", 0, time.Now(), &err)

	if err := c.check(); err != nil {
		return nil, err
	}

	store := c.cfg.ManifestStore
	manifests = make(map[uint64]*domain.Manifest)
	var (
		stale  []uint64
		failed []uint64
		errs   []error
	)

	err = c.backend.Scan(ctx, store, func(key uint64, value []byte, readErr error) bool {
		if readErr != nil {
			if errors.Is(readErr, ErrResourceMissing) {
				stale = append(stale, key)
			} else {
				failed = append(failed, key)
				errs = append(errs, readErr)
			}
			return true
		}

		m, decodeErr := domain.DecodeManifest(value)
		if decodeErr != nil {
			failed = append(failed, key)
			errs = append(errs, decodeErr)
			return true
		}
		manifests[key] = m
		return true
	})
	if err != nil {
		return nil, c.failure(store, err)
	}

	if len(failed) > 0 {
		return nil, aggregateKeyed(store, failed, errs)
	}

	if len(stale) > 0 {
		c.pruneStale(ctx, store, stale)
	}

	return manifests, nil
}

// pruneStale deletes stale manifest keys. Failures are logged only: a
// stale record is never surfaced to the caller.
func (c *Cell) pruneStale(ctx context.Context, store string, keys []uint64) {
	errs := fanOut(ctx, len(keys), c.cfg.Concurrency, func(ctx context.Context, i int) error {
		return c.backend.Delete(ctx, store, keys[i])
	})

	for i, err := range errs {
		if err != nil {
			c.logger.Warn("failed to prune stale manifest",
				"store", store,
				"key", keys[i],
				"error", err)
			continue
		}
		c.cfg.Metrics.StalePrunedInc(c.cfg.Mechanism, c.cfg.Name)
		c.logger.Warn("pruned stale manifest",
			"store", store,
			"key", keys[i])
	}
}

func (c *Cell) add(ctx context.Context, store string, values [][]byte) ([]uint64, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	// Refuse before attempting any write.
	if c.cfg.FixedKey {
		return nil, c.fixedKeyError(store)
	}

	keys := make([]uint64, len(values))
	errs := fanOut(ctx, len(values), c.cfg.Concurrency, func(ctx context.Context, i int) error {
		key, err := c.backend.Add(ctx, store, values[i])
		if err != nil {
			return err
		}
		keys[i] = key
		return nil
	})

	if err := aggregateAdd(store, errs); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Cell) get(ctx context.Context, store string, keys []uint64) ([][]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	values := make([][]byte, len(keys))
	errs := fanOut(ctx, len(keys), c.cfg.Concurrency, func(ctx context.Context, i int) error {
		value, err := c.backend.Get(ctx, store, keys[i])
		if err != nil {
			return err
		}
		if value == nil {
			value = []byte{}
		}
		values[i] = value
		return nil
	})

	if err := aggregateKeyed(store, keys, errs); err != nil {
		return nil, err
	}
	return values, nil
}

func (c *Cell) remove(ctx context.Context, store string, keys []uint64, onRemove func(uint64)) error {
	if err := c.check(); err != nil {
		return err
	}

	notify := serialCallback(onRemove)
	errs := fanOut(ctx, len(keys), c.cfg.Concurrency, func(ctx context.Context, i int) error {
		if err := c.backend.Delete(ctx, store, keys[i]); err != nil {
			return err
		}
		notify(keys[i])
		return nil
	})

	return aggregateKeyed(store, keys, errs)
}

func (c *Cell) check() error {
	if c.destroyed.Load() {
		return domain.ErrCellDestroyed.WithDetails(c.cfg.Mechanism + ":" + c.cfg.Name)
	}
	return nil
}

func (c *Cell) fixedKeyError(store string) error {
	return domain.ErrNewKeyNotSupported.
		WithStore(store).
		WithDetails("cannot add new value to " + store)
}

func (c *Cell) failure(store string, err error, keys ...uint64) error {
	if errors.Is(err, ErrClosed) {
		return domain.ErrBackendUnavailable.WithStore(store).WithKeys(keys...).WithCause(err)
	}
	return domain.ErrStorageFailure.WithStore(store).WithKeys(keys...).WithCause(err)
}

func (c *Cell) observe(op string, n int, start time.Time, errp *error) {
	err := *errp
	c.cfg.Metrics.ObserveOp(c.cfg.Mechanism, c.cfg.Name, op, n, time.Since(start), err)
	if err != nil {
		c.logger.Debug("cell operation failed",
			"op", op,
			"batch", n,
			"error", err)
	}
}
