package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/storage/codec"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

// Settings are the per-mechanism configuration values.
type Settings struct {
	Enabled    bool
	Dir        string
	Addr       string
	Prefix     string
	GCInterval time.Duration

	// TLS dials remote backends over TLS. CAFile adds a private CA to
	// the system roots and implies TLS.
	TLS    bool
	CAFile string
}

// Env is what factories decide eligibility from and build mechanisms with.
type Env struct {
	// DataDir is the parent directory of file based backends.
	DataDir string

	// Concurrency bounds sub-operations per batch. 0 means unbounded.
	Concurrency int

	Codec   *codec.Codec
	Logger  *slog.Logger
	Metrics *metric.Storage

	// Mechanisms holds settings by mechanism name.
	Mechanisms map[string]Settings
}

// Settings returns the settings of a mechanism and whether any were given.
func (e Env) Settings(name string) (Settings, bool) {
	s, ok := e.Mechanisms[name]
	return s, ok
}

// Enabled reports whether a mechanism may run. Mechanisms without
// settings use def.
func (e Env) Enabled(name string, def bool) bool {
	s, ok := e.Mechanisms[name]
	if !ok {
		return def
	}
	return s.Enabled
}

// Dir returns the directory of a file based mechanism: its own dir
// setting or <DataDir>/<name>. Returns "" when neither is set.
func (e Env) Dir(name string) string {
	if s, ok := e.Mechanisms[name]; ok && s.Dir != "" {
		return s.Dir
	}
	if e.DataDir == "" {
		return ""
	}
	return filepath.Join(e.DataDir, name)
}

// logger returns the env logger or the default one.
func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Factory builds a mechanism for env. It returns false when the
// mechanism is not supported in env; that is not an error.
type Factory func(env Env) (Mechanism, bool)

// Registry maps mechanism names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry receives the factories of the backend packages.
var DefaultRegistry = NewRegistry()

// Register adds a factory to DefaultRegistry.
func Register(name string, f Factory) {
	DefaultRegistry.Register(name, f)
}

// Register adds a factory, replacing any factory of the same name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Unregister removes a factory.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
}

// Names returns the registered names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Muxer runs every supported mechanism of a registry and exposes the
// union of their cells.
type Muxer struct {
	registry *Registry
	env      Env
	logger   *slog.Logger

	mu         sync.RWMutex
	mechanisms map[string]Mechanism
}

// NewMuxer creates a muxer. A nil registry means DefaultRegistry.
func NewMuxer(env Env, registry *Registry) *Muxer {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Muxer{
		registry:   registry,
		env:        env,
		logger:     env.logger(),
		mechanisms: make(map[string]Mechanism),
	}
}

// Init builds and initializes every supported mechanism. It succeeds when
// at least one mechanism initializes; otherwise it fails with
// ErrNoMechanism carrying each failure. Calling Init again after success
// is a no-op.
func (x *Muxer) Init(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.mechanisms) > 0 {
		return nil
	}

	var merr *multierror.Error
	for _, name := range x.registry.Names() {
		factory, ok := x.registry.lookup(name)
		if !ok {
			continue
		}

		mech, ok := factory(x.env)
		if !ok || mech == nil {
			x.logger.Debug("storage mechanism not supported", "mechanism", name)
			continue
		}

		if err := mech.Init(ctx); err != nil {
			x.logger.Error("storage mechanism init failed",
				"mechanism", name,
				"error", err)
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
			continue
		}
		x.mechanisms[name] = mech
	}

	x.env.Metrics.SetMechanismsActive(len(x.mechanisms))

	if len(x.mechanisms) == 0 {
		nm := domain.ErrNoMechanism
		if merr == nil {
			return nm.WithDetails("no eligible mechanism")
		}
		return nm.WithCause(merr.ErrorOrNil())
	}
	if merr != nil {
		x.logger.Warn("some storage mechanisms unavailable", "error", merr.ErrorOrNil())
	}
	return nil
}

// Cells returns the cells of every active mechanism keyed
// "<mechanism>:<cell>".
func (x *Muxer) Cells() map[string]*Cell {
	x.mu.RLock()
	defer x.mu.RUnlock()

	all := make(map[string]*Cell)
	for name, mech := range x.mechanisms {
		for cell, c := range mech.Cells() {
			all[name+":"+cell] = c
		}
	}
	return all
}

// Cell returns one cell by qualified name.
func (x *Muxer) Cell(qualified string) (*Cell, bool) {
	mechName, cellName, ok := strings.Cut(qualified, ":")
	if !ok {
		return nil, false
	}
	mech, ok := x.Mechanism(mechName)
	if !ok {
		return nil, false
	}
	c, ok := mech.Cells()[cellName]
	return c, ok
}

// WritableCell returns the first cell, in name order, that accepts new
// keys.
func (x *Muxer) WritableCell() (string, *Cell, bool) {
	cells := x.Cells()
	names := make([]string, 0, len(cells))
	for name := range cells {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if !cells[name].HasFixedKeySpace() {
			return name, cells[name], true
		}
	}
	return "", nil, false
}

// Mechanism returns an active mechanism.
func (x *Muxer) Mechanism(name string) (Mechanism, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.mechanisms[name]
	return m, ok
}

// Mechanisms returns the names of the active mechanisms in ascending order.
func (x *Muxer) Mechanisms() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	names := make([]string, 0, len(x.mechanisms))
	for name := range x.mechanisms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Erase erases one active mechanism.
func (x *Muxer) Erase(ctx context.Context, name string) error {
	mech, ok := x.Mechanism(name)
	if !ok {
		return domain.ErrInvalidArgument.WithDetails("mechanism not active: " + name)
	}
	return mech.Erase(ctx)
}

// Destroy destroys every active mechanism.
func (x *Muxer) Destroy(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var merr *multierror.Error
	for name, mech := range x.mechanisms {
		if err := mech.Destroy(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
		}
	}
	x.mechanisms = make(map[string]Mechanism)
	x.env.Metrics.SetMechanismsActive(0)

	return merr.ErrorOrNil()
}
