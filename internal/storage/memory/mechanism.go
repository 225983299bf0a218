package memory

import (
	"context"
	"sync"

	"github.com/yndnr/offstore/internal/storage"
)

// Mechanism is the registry name of the memory mechanism.
const Mechanism = "memory"

// Driver opens sessions on one Store and replaces it on Drop.
type Driver struct {
	mu    sync.Mutex
	store *Store
	opts  []Option
}

// NewDriver creates a driver over a fresh store.
func NewDriver(opts ...Option) *Driver {
	return &Driver{store: New(opts...), opts: opts}
}

// Name implements storage.Driver.
func (d *Driver) Name() string { return "memory" }

// Open implements storage.Driver.
func (d *Driver) Open(context.Context) (storage.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Session(), nil
}

// Drop implements storage.Driver.
func (d *Driver) Drop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = New(d.opts...)
	return nil
}

func init() {
	storage.Register(Mechanism, newMechanism)
}

func newMechanism(env storage.Env) (storage.Mechanism, bool) {
	if !env.Enabled(Mechanism, false) {
		return nil, false
	}

	m, err := storage.NewKVMechanism(storage.MechanismConfig{
		Name:        Mechanism,
		Driver:      NewDriver(),
		Layout:      storage.CurrentLayout(),
		Codec:       env.Codec,
		Concurrency: env.Concurrency,
		Logger:      env.Logger,
		Metrics:     env.Metrics,
	})
	if err != nil {
		return nil, false
	}
	return m, true
}
