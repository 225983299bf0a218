// Package bolt provides a storage backend on a single BoltDB file.
//
// Every store is a top-level bucket. Keys are 8 byte big-endian
// integers, so bucket order is key order, and new keys come from the
// bucket sequence. The package registers the "bolt" mechanism, which is
// eligible when enabled in configuration.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"

	"github.com/yndnr/offstore/internal/storage"
)

// Mechanism is the registry name of the bolt mechanism.
const Mechanism = "bolt"

// FileName is the database file inside the mechanism directory.
const FileName = "offstore.db"

// Config configures a bolt backend.
type Config struct {
	// Dir holds the database file.
	Dir string

	// OpenTimeout bounds the wait for the file lock.
	// Default: 1s
	OpenTimeout time.Duration

	// NoSync skips fsync after each commit. Only for tests.
	NoSync bool
}

func (c Config) path() string {
	return filepath.Join(c.Dir, FileName)
}

// Driver opens bolt backends.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(cfg Config, logger *slog.Logger) *Driver {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: logger}
}

// Name implements storage.Driver.
func (d *Driver) Name() string { return "bolt" }

// Open implements storage.Driver.
func (d *Driver) Open(ctx context.Context) (storage.Backend, error) {
	return Open(d.cfg, d.logger)
}

// Drop implements storage.Driver.
func (d *Driver) Drop(ctx context.Context) error {
	err := os.Remove(d.cfg.path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bolt: remove %s: %w", d.cfg.path(), err)
	}
	d.logger.Info("bolt database removed", "path", d.cfg.path())
	return nil
}

// Backend implements storage.Backend on a bolt database.
type Backend struct {
	db     *bolt.DB
	logger *slog.Logger
	closed atomic.Bool
}

// Open opens (or creates) the database file.
func Open(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("bolt: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}

	db, err := bolt.Open(cfg.path(), 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", cfg.path(), err)
	}
	db.NoSync = cfg.NoSync

	logger.Info("bolt backend opened", "path", cfg.path())
	return &Backend{db: db, logger: logger}, nil
}

func encodeKey(key uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], key)
	return k[:]
}

func (b *Backend) check() error {
	if b.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

func bucket(tx *bolt.Tx, store string) (*bolt.Bucket, error) {
	bk := tx.Bucket([]byte(store))
	if bk == nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrStoreNotFound, store)
	}
	return bk, nil
}

// EnsureStore implements storage.Backend.
func (b *Backend) EnsureStore(ctx context.Context, store string) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(store))
		return err
	})
}

// HasStore implements storage.Backend.
func (b *Backend) HasStore(ctx context.Context, store string) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(store)) != nil
		return nil
	})
	return ok, err
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(store))
		if bk == nil {
			return storage.ErrKeyNotFound
		}
		// A cursor tells an empty value from an absent key.
		k, v := bk.Cursor().Seek(encodeKey(key))
		if k == nil || !bytes.Equal(k, encodeKey(key)) {
			return storage.ErrKeyNotFound
		}
		value = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Add implements storage.Backend.
func (b *Backend) Add(ctx context.Context, store string, value []byte) (uint64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}

	var key uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := bucket(tx, store)
		if err != nil {
			return err
		}
		key, err = bk.NextSequence()
		if err != nil {
			return err
		}
		return bk.Put(encodeKey(key), value)
	})
	if err != nil {
		return 0, err
	}
	return key, nil
}

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, store string, key uint64, value []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := bucket(tx, store)
		if err != nil {
			return err
		}
		return bk.Put(encodeKey(key), value)
	})
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, store string, key uint64) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(store))
		if bk == nil {
			return nil
		}
		return bk.Delete(encodeKey(key))
	})
}

// Keys implements storage.Backend.
func (b *Backend) Keys(ctx context.Context, store string) ([]uint64, error) {
	var keys []uint64
	err := b.Scan(ctx, store, func(key uint64, _ []byte, _ error) bool {
		keys = append(keys, key)
		return true
	})
	return keys, err
}

// Scan implements storage.Backend.
func (b *Backend) Scan(ctx context.Context, store string, fn func(key uint64, value []byte, err error) bool) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte(store))
		if bk == nil {
			return nil
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 8 {
				continue
			}
			if !fn(binary.BigEndian.Uint64(k), append([]byte{}, v...), nil) {
				break
			}
		}
		return nil
	})
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("bolt: close: %w", err)
	}
	b.logger.Info("bolt backend closed")
	return nil
}

func init() {
	storage.Register(Mechanism, newMechanism)
}

func newMechanism(env storage.Env) (storage.Mechanism, bool) {
	if !env.Enabled(Mechanism, false) {
		return nil, false
	}
	dir := env.Dir(Mechanism)
	if dir == "" {
		return nil, false
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m, err := storage.NewKVMechanism(storage.MechanismConfig{
		Name:        Mechanism,
		Driver:      NewDriver(Config{Dir: dir}, logger.With("engine", "bolt")),
		Layout:      storage.CurrentLayout(),
		Codec:       env.Codec,
		Concurrency: env.Concurrency,
		Logger:      logger,
		Metrics:     env.Metrics,
	})
	if err != nil {
		logger.Error("bolt mechanism config invalid", "error", err)
		return nil, false
	}
	return m, true
}
