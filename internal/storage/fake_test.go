package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var errInjected = errors.New("injected failure")

// fakeBackend is an in-memory Backend that counts writes and fails on
// demand.
type fakeBackend struct {
	mu     sync.Mutex
	stores map[string]map[uint64][]byte
	seq    map[string]uint64
	closed bool

	// Failure injection.
	failGet      map[uint64]bool
	failDelete   map[uint64]bool
	failAddValue string
	failEnsure   string
	missing      map[uint64]bool
	delay        time.Duration

	writes   atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		stores:     make(map[string]map[uint64][]byte),
		seq:        make(map[string]uint64),
		failGet:    make(map[uint64]bool),
		failDelete: make(map[uint64]bool),
		missing:    make(map[uint64]bool),
	}
}

func (f *fakeBackend) enter(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	n := f.inFlight.Add(1)
	for {
		max := f.maxSeen.Load()
		if n <= max || f.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }, nil
}

func (f *fakeBackend) EnsureStore(ctx context.Context, store string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if store == f.failEnsure {
		return errInjected
	}
	if _, ok := f.stores[store]; !ok {
		f.stores[store] = make(map[uint64][]byte)
	}
	return nil
}

func (f *fakeBackend) HasStore(ctx context.Context, store string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, ErrClosed
	}
	_, ok := f.stores[store]
	return ok, nil
}

func (f *fakeBackend) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	done, err := f.enter(ctx)
	defer done()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return nil, ErrClosed
	case f.failGet[key]:
		return nil, errInjected
	case f.missing[key]:
		return nil, ErrResourceMissing
	}
	v, ok := f.stores[store][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte{}, v...), nil
}

func (f *fakeBackend) Add(ctx context.Context, store string, value []byte) (uint64, error) {
	done, err := f.enter(ctx)
	defer done()
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.failAddValue != "" && string(value) == f.failAddValue {
		return 0, errInjected
	}
	s, ok := f.stores[store]
	if !ok {
		return 0, ErrStoreNotFound
	}
	f.seq[store]++
	key := f.seq[store]
	s[key] = append([]byte{}, value...)
	f.writes.Add(1)
	return key, nil
}

func (f *fakeBackend) Put(ctx context.Context, store string, key uint64, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	s, ok := f.stores[store]
	if !ok {
		return ErrStoreNotFound
	}
	s[key] = append([]byte{}, value...)
	f.writes.Add(1)
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, store string, key uint64) error {
	done, err := f.enter(ctx)
	defer done()
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.failDelete[key] {
		return errInjected
	}
	delete(f.stores[store], key)
	delete(f.missing, key)
	f.writes.Add(1)
	return nil
}

func (f *fakeBackend) Keys(ctx context.Context, store string) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]uint64, 0, len(f.stores[store]))
	for k := range f.stores[store] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (f *fakeBackend) Scan(ctx context.Context, store string, fn func(uint64, []byte, error) bool) error {
	keys, _ := f.Keys(ctx, store)
	for _, k := range keys {
		v, err := f.Get(ctx, store, k)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if !fn(k, v, err) {
			break
		}
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) has(store string, key uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stores[store][key]
	return ok
}

// fakeDriver keeps one fakeBackend as its "disk" across Open calls.
type fakeDriver struct {
	mu      sync.Mutex
	disk    *fakeBackend
	openErr error
	dropErr error
	opens   int
	drops   int

	// prepare seeds the initial disk. Disks created after Drop start
	// empty.
	prepare func(*fakeBackend)
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(ctx context.Context) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	if d.disk == nil {
		d.disk = newFakeBackend()
		if d.prepare != nil && d.drops == 0 {
			d.prepare(d.disk)
		}
	}
	d.disk.mu.Lock()
	d.disk.closed = false
	d.disk.mu.Unlock()
	d.opens++
	return d.disk, nil
}

func (d *fakeDriver) Drop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dropErr != nil {
		return d.dropErr
	}
	d.disk = nil
	d.drops++
	return nil
}

func (d *fakeDriver) backend() *fakeBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disk
}
