package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/storage/codec"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

// Mechanism owns one backend instance and exposes its cells.
type Mechanism interface {
	// Name identifies the mechanism in the registry.
	Name() string

	// Init opens the backend and builds the cells. On failure the
	// mechanism holds no cells.
	Init(ctx context.Context) error

	// Cells returns the cells of the latest successful Init, keyed by
	// cell name. The map is a copy.
	Cells() map[string]*Cell

	// Destroy destroys every cell and releases the backend.
	Destroy(ctx context.Context) error

	// Erase destroys every cell, deletes the whole backend instance and
	// initializes again, leaving empty cells of the same shape.
	Erase(ctx context.Context) error
}

// MechanismConfig configures a KVMechanism.
type MechanismConfig struct {
	// Name is the registry name (e.g. "badger").
	Name string

	// Driver opens and drops the backend instance.
	Driver Driver

	// Layout lists the cells. Default: DefaultLayout().
	Layout Layout

	// Codec transforms values on their way to the backend. May be nil.
	Codec *codec.Codec

	// Concurrency bounds sub-operations per batch. 0 means unbounded.
	Concurrency int

	Logger  *slog.Logger
	Metrics *metric.Storage
}

// KVMechanism is a Mechanism over any Driver.
type KVMechanism struct {
	cfg    MechanismConfig
	logger *slog.Logger

	mu         sync.RWMutex
	backend    Backend
	cells      map[string]*Cell
	instanceID string
}

// NewKVMechanism creates a mechanism. It does no I/O.
func NewKVMechanism(cfg MechanismConfig) (*KVMechanism, error) {
	if cfg.Name == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("mechanism name is required")
	}
	if cfg.Driver == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("mechanism driver is required")
	}
	if cfg.Layout == nil {
		cfg.Layout = DefaultLayout()
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, domain.ErrInvalidArgument.WithCause(err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &KVMechanism{
		cfg:    cfg,
		logger: cfg.Logger.With("mechanism", cfg.Name, "engine", cfg.Driver.Name()),
		cells:  make(map[string]*Cell),
	}, nil
}

// Name returns the registry name.
func (m *KVMechanism) Name() string { return m.cfg.Name }

// InstanceID returns the identity of the open backend instance, or "" if
// the mechanism is not initialized.
func (m *KVMechanism) InstanceID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instanceID
}

// Cells returns a copy of the current cells.
func (m *KVMechanism) Cells() map[string]*Cell {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.cells)
}

// Init opens the backend, creates the current stores and mounts every
// cell whose stores exist. Calling Init on an initialized mechanism is a
// no-op.
func (m *KVMechanism) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx)
}

func (m *KVMechanism) initLocked(ctx context.Context) error {
	if m.backend != nil {
		return nil
	}

	raw, err := m.cfg.Driver.Open(ctx)
	if err != nil {
		return domain.ErrBackendUnavailable.
			WithDetails(m.cfg.Name).
			WithCause(err)
	}
	backend := withCodec(raw, m.cfg.Codec)

	cells, id, err := m.mount(ctx, backend)
	if err != nil {
		if cerr := backend.Close(); cerr != nil {
			m.logger.Warn("failed to close backend after init failure", "error", cerr)
		}
		return err
	}

	m.backend = backend
	m.cells = cells
	m.instanceID = id

	names := make([]string, 0, len(cells))
	for _, spec := range m.cfg.Layout {
		if _, ok := cells[spec.Name]; ok {
			names = append(names, spec.Name)
		}
	}
	m.logger.Info("storage mechanism initialized",
		"instance_id", id,
		"cells", names)

	return nil
}

func (m *KVMechanism) mount(ctx context.Context, backend Backend) (map[string]*Cell, string, error) {
	for _, spec := range m.cfg.Layout {
		if !spec.Create {
			continue
		}
		for _, store := range []string{spec.SegmentStore, spec.ManifestStore} {
			if err := backend.EnsureStore(ctx, store); err != nil {
				return nil, "", m.initFailure(store, err)
			}
		}
	}
	if err := backend.EnsureStore(ctx, MetaStore); err != nil {
		return nil, "", m.initFailure(MetaStore, err)
	}

	id, err := m.loadInstanceID(ctx, backend)
	if err != nil {
		return nil, "", err
	}

	cells := make(map[string]*Cell, len(m.cfg.Layout))
	for _, spec := range m.cfg.Layout {
		ok, err := m.hasStores(ctx, backend, spec)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			m.logger.Debug("cell stores absent, not mounting", "cell", spec.Name)
			continue
		}

		cells[spec.Name] = NewCell(backend, CellConfig{
			Name:          spec.Name,
			Mechanism:     m.cfg.Name,
			SegmentStore:  spec.SegmentStore,
			ManifestStore: spec.ManifestStore,
			FixedKey:      spec.FixedKey,
			Concurrency:   m.cfg.Concurrency,
			Logger:        m.cfg.Logger,
			Metrics:       m.cfg.Metrics,
		})
		m.logger.Debug("cell mounted",
			"cell", spec.Name,
			"segment_store", spec.SegmentStore,
			"manifest_store", spec.ManifestStore,
			"fixed_key", spec.FixedKey)
	}

	return cells, id, nil
}

func (m *KVMechanism) hasStores(ctx context.Context, backend Backend, spec CellSpec) (bool, error) {
	for _, store := range []string{spec.SegmentStore, spec.ManifestStore} {
		ok, err := backend.HasStore(ctx, store)
		if err != nil {
			return false, m.initFailure(store, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// loadInstanceID reads the instance ID, minting one for a new instance.
func (m *KVMechanism) loadInstanceID(ctx context.Context, backend Backend) (string, error) {
	data, err := backend.Get(ctx, MetaStore, instanceIDKey)
	switch {
	case err == nil && domain.IsValidInstanceID(string(data)):
		return string(data), nil
	case err == nil:
		m.logger.Warn("invalid instance id, replacing", "value", string(data))
	case !errors.Is(err, ErrKeyNotFound):
		return "", m.initFailure(MetaStore, err)
	}

	id, err := domain.GenerateInstanceID()
	if err != nil {
		return "", m.initFailure(MetaStore, err)
	}
	if err := backend.Put(ctx, MetaStore, instanceIDKey, []byte(id)); err != nil {
		return "", m.initFailure(MetaStore, err)
	}
	return id, nil
}

// initFailure is critical: a mechanism that cannot verify its stores
// holds no cells.
func (m *KVMechanism) initFailure(store string, err error) error {
	return domain.ErrBackendUnavailable.
		WithStore(store).
		WithDetails(fmt.Sprintf("init %s", m.cfg.Name)).
		WithCause(err)
}

// Destroy destroys the cells and closes the backend. It is idempotent.
func (m *KVMechanism) Destroy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyLocked()
}

func (m *KVMechanism) destroyLocked() error {
	for _, c := range m.cells {
		_ = c.Destroy() // never fails
	}
	m.cells = make(map[string]*Cell)
	m.instanceID = ""

	if m.backend == nil {
		return nil
	}
	backend := m.backend
	m.backend = nil

	if err := backend.Close(); err != nil {
		return fmt.Errorf("close %s backend: %w", m.cfg.Name, err)
	}
	m.logger.Info("storage mechanism destroyed")
	return nil
}

// Erase deletes the whole backend instance and initializes a fresh one.
// Every previously returned cell is destroyed.
func (m *KVMechanism) Erase(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.instanceID
	if err := m.destroyLocked(); err != nil {
		return err
	}
	if err := m.cfg.Driver.Drop(ctx); err != nil {
		return domain.ErrBackendUnavailable.
			WithDetails("erase " + m.cfg.Name).
			WithCause(err)
	}
	if err := m.initLocked(ctx); err != nil {
		return err
	}

	m.logger.Info("storage mechanism erased",
		"old_instance_id", old,
		"instance_id", m.instanceID)
	return nil
}
