package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/yndnr/offstore/internal/storage"
	"github.com/yndnr/offstore/pkg/cmap"
)

// DefaultShardCount is the default number of shards per store.
const DefaultShardCount = 16

// table is one store.
type table struct {
	records *cmap.Map[uint64, []byte]
	seq     atomic.Uint64
}

// Store is an in-memory backend instance. Sessions opened on it share
// its data.
type Store struct {
	tables     *cmap.Map[string, *table]
	shardCount int

	// Serializes store creation only.
	mu sync.Mutex
}

// Option configures the Store.
type Option func(*Store)

// WithShardCount sets the shard count of each store.
func WithShardCount(n int) Option {
	return func(s *Store) {
		s.shardCount = n
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		tables:     cmap.NewString[*table](DefaultShardCount),
		shardCount: DefaultShardCount,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Session returns a backend session over the store.
func (s *Store) Session() storage.Backend {
	return &session{store: s}
}

func (s *Store) table(name string) (*table, error) {
	t, ok := s.tables.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrStoreNotFound, name)
	}
	return t, nil
}

// session implements storage.Backend.
type session struct {
	store  *Store
	closed atomic.Bool
}

func (s *session) check() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

func (s *session) EnsureStore(_ context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.tables.SetIfAbsent(name, &table{
		records: cmap.NewUint64[[]byte](s.store.shardCount),
	})
	return nil
}

func (s *session) HasStore(_ context.Context, name string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	return s.store.tables.Has(name), nil
}

func (s *session) Get(_ context.Context, name string, key uint64) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	t, ok := s.store.tables.Get(name)
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	v, ok := t.records.Get(key)
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	// Return a copy to prevent external modification
	return append([]byte{}, v...), nil
}

func (s *session) Add(_ context.Context, name string, value []byte) (uint64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	t, err := s.store.table(name)
	if err != nil {
		return 0, err
	}
	key := t.seq.Add(1)
	t.records.Set(key, append([]byte{}, value...))
	return key, nil
}

func (s *session) Put(_ context.Context, name string, key uint64, value []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	t, err := s.store.table(name)
	if err != nil {
		return err
	}
	t.records.Set(key, append([]byte{}, value...))

	// Keep the generator ahead of explicitly written keys.
	for {
		cur := t.seq.Load()
		if key <= cur || t.seq.CompareAndSwap(cur, key) {
			return nil
		}
	}
}

func (s *session) Delete(_ context.Context, name string, key uint64) error {
	if err := s.check(); err != nil {
		return err
	}
	if t, ok := s.store.tables.Get(name); ok {
		t.records.Delete(key)
	}
	return nil
}

func (s *session) Keys(_ context.Context, name string) ([]uint64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	t, ok := s.store.tables.Get(name)
	if !ok {
		return nil, nil
	}
	keys := t.records.Keys()
	slices.Sort(keys)
	return keys, nil
}

func (s *session) Scan(ctx context.Context, name string, fn func(key uint64, value []byte, err error) bool) error {
	keys, err := s.Keys(ctx, name)
	if err != nil {
		return err
	}
	t, ok := s.store.tables.Get(name)
	if !ok {
		return nil
	}
	for _, key := range keys {
		v, ok := t.records.Get(key)
		if !ok {
			continue // deleted during the scan
		}
		if !fn(key, append([]byte{}, v...), nil) {
			break
		}
	}
	return nil
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}
