package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/yndnr/offstore/internal/telemetry/metric"
)

// BadgerMechanism is the registry name of the badger mechanism.
const BadgerMechanism = "badger"

// Badger key layout. Every store is a key prefix inside one database.
const (
	badgerStorePrefix  = "\x00store/"
	badgerSeqPrefix    = "\x00seq/"
	badgerRecordPrefix = "r/"
)

// BadgerConfig contains Badger tuning parameters.
type BadgerConfig struct {
	// Dir is the database directory.
	Dir string

	// InMemory keeps the database in memory. Dir is ignored.
	InMemory bool

	// GCInterval is the interval between value log GC runs.
	// Default: 10m
	GCInterval time.Duration

	// GCThreshold is the discard ratio at which a value log file is
	// rewritten (0.0-1.0).
	// Default: 0.5
	GCThreshold float64

	// CacheSize is the block cache size in bytes.
	// Default: 64MB
	CacheSize int64

	// ValueLogFileSize is the max value log file size in bytes.
	// Default: 256MB
	ValueLogFileSize int64

	// NumMemtables is the number of memtables.
	// Default: 2
	NumMemtables int

	// SyncWrites enables fsync after each write.
	// Default: true (offline content must survive a crash)
	SyncWrites bool

	// SequenceBandwidth is the number of keys leased from a store's
	// sequence at once. Unused leased keys are skipped after a restart.
	// Default: 64
	SequenceBandwidth uint64
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:               dir,
		GCInterval:        10 * time.Minute,
		GCThreshold:       0.5,
		CacheSize:         64 << 20,  // 64MB
		ValueLogFileSize:  256 << 20, // 256MB
		NumMemtables:      2,
		SyncWrites:        true,
		SequenceBandwidth: 64,
	}
}

// BadgerDriver opens Badger backends.
type BadgerDriver struct {
	cfg     BadgerConfig
	logger  *slog.Logger
	metrics *metric.Storage
}

// NewBadgerDriver creates a driver. metrics may be nil.
func NewBadgerDriver(cfg BadgerConfig, logger *slog.Logger, metrics *metric.Storage) *BadgerDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerDriver{cfg: cfg, logger: logger, metrics: metrics}
}

// Name implements Driver.
func (d *BadgerDriver) Name() string { return "badger" }

// Open implements Driver.
func (d *BadgerDriver) Open(ctx context.Context) (Backend, error) {
	return OpenBadger(d.cfg, d.logger, d.metrics)
}

// Drop implements Driver. It removes the database directory.
func (d *BadgerDriver) Drop(ctx context.Context) error {
	if d.cfg.InMemory {
		return nil
	}
	if err := os.RemoveAll(d.cfg.Dir); err != nil {
		return fmt.Errorf("badger: remove %s: %w", d.cfg.Dir, err)
	}
	d.logger.Info("badger database removed", "dir", d.cfg.Dir)
	return nil
}

// BadgerBackend implements Backend using Badger v3.
type BadgerBackend struct {
	db      *badger.DB
	cfg     BadgerConfig
	logger  *slog.Logger
	metrics *metric.Storage
	closed  atomic.Bool

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence

	// Shutdown
	stopCh chan struct{}
	doneCh chan struct{}
}

// OpenBadger opens (or creates) a Badger backend.
func OpenBadger(cfg BadgerConfig, logger *slog.Logger, metrics *metric.Storage) (*BadgerBackend, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SequenceBandwidth == 0 {
		cfg.SequenceBandwidth = 64
	}
	if cfg.GCThreshold <= 0 || cfg.GCThreshold >= 1 {
		cfg.GCThreshold = 0.5
	}

	opts := badger.DefaultOptions(cfg.Dir).WithInMemory(cfg.InMemory)
	if cfg.InMemory {
		opts.Dir, opts.ValueDir = "", ""
	}
	opts.Logger = &badgerLogger{logger: logger}
	if cfg.CacheSize > 0 {
		opts.BlockCacheSize = cfg.CacheSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumMemtables > 0 {
		opts.NumMemtables = cfg.NumMemtables
	}
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	b := &BadgerBackend{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		seqs:    make(map[string]*badger.Sequence),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go b.maintenanceLoop()

	logger.Info("badger backend opened",
		"dir", cfg.Dir,
		"in_memory", cfg.InMemory,
		"gc_interval", cfg.GCInterval)

	return b, nil
}

func badgerStoreKey(store string) []byte {
	return []byte(badgerStorePrefix + store)
}

func badgerRecordStorePrefix(store string) []byte {
	return []byte(badgerRecordPrefix + store + "/")
}

func badgerRecordKey(store string, key uint64) []byte {
	prefix := badgerRecordStorePrefix(store)
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], key)
	return k
}

func checkStoreName(store string) error {
	if store == "" || strings.Contains(store, "/") {
		return fmt.Errorf("invalid store name %q", store)
	}
	return nil
}

func (b *BadgerBackend) check() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// EnsureStore implements Backend.
func (b *BadgerBackend) EnsureStore(ctx context.Context, store string) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := checkStoreName(store); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerStoreKey(store), nil)
	})
}

// HasStore implements Backend.
func (b *BadgerBackend) HasStore(ctx context.Context, store string) (bool, error) {
	if err := b.check(); err != nil {
		return false, err
	}
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerStoreKey(store))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get implements Backend.
func (b *BadgerBackend) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerRecordKey(store, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

// Add implements Backend. Keys come from a per-store Badger sequence and
// start at 1.
func (b *BadgerBackend) Add(ctx context.Context, store string, value []byte) (uint64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}

	n, err := b.nextKey(store)
	if err != nil {
		return 0, err
	}
	key := n + 1

	if err := b.Put(ctx, store, key, value); err != nil {
		return 0, err
	}
	return key, nil
}

// nextKey draws from the store's sequence under seqMu, so Close cannot
// release a sequence between the closed check and Next.
func (b *BadgerBackend) nextKey(store string) (uint64, error) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}

	seq, ok := b.seqs[store]
	if !ok {
		var err error
		seq, err = b.db.GetSequence([]byte(badgerSeqPrefix+store), b.cfg.SequenceBandwidth)
		if err != nil {
			return 0, fmt.Errorf("badger: sequence %s: %w", store, err)
		}
		b.seqs[store] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("badger: next key: %w", err)
	}
	return n, nil
}

// Put implements Backend.
func (b *BadgerBackend) Put(ctx context.Context, store string, key uint64, value []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerRecordKey(store, key), value)
	})
	if err != nil && b.closed.Load() {
		return ErrClosed
	}
	return err
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(ctx context.Context, store string, key uint64) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerRecordKey(store, key))
	})
}

// Keys implements Backend.
func (b *BadgerBackend) Keys(ctx context.Context, store string) ([]uint64, error) {
	if err := b.check(); err != nil {
		return nil, err
	}

	prefix := badgerRecordStorePrefix(store)
	var keys []uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Only need keys
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if len(k) != len(prefix)+8 {
				continue
			}
			keys = append(keys, binary.BigEndian.Uint64(k[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

// Scan implements Backend.
func (b *BadgerBackend) Scan(ctx context.Context, store string, fn func(key uint64, value []byte, err error) bool) error {
	if err := b.check(); err != nil {
		return err
	}

	prefix := badgerRecordStorePrefix(store)
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			k := item.Key()
			if len(k) != len(prefix)+8 {
				continue
			}
			key := binary.BigEndian.Uint64(k[len(prefix):])

			value, err := item.ValueCopy(nil)
			if err == nil && value == nil {
				value = []byte{}
			}
			if !fn(key, value, err) {
				break
			}
		}
		return nil
	})
}

// GC runs value log garbage collection until no file is rewritten.
// Returns the number of rewritten files.
func (b *BadgerBackend) GC(ctx context.Context) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	if b.cfg.InMemory {
		return 0, nil
	}

	startTime := time.Now()
	runs := 0
	for ctx.Err() == nil {
		err := b.db.RunValueLogGC(b.cfg.GCThreshold)
		if err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				break
			}
			return runs, fmt.Errorf("gc: %w", err)
		}
		runs++
	}

	b.metrics.EngineGCAdd("badger", runs)
	b.logger.Debug("badger gc completed",
		"rewritten_files", runs,
		"elapsed", time.Since(startTime))

	return runs, nil
}

// Size returns the LSM and value log sizes in bytes.
func (b *BadgerBackend) Size() (lsm, vlog int64) {
	return b.db.Size()
}

// Close releases the sequences and closes the database.
func (b *BadgerBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(b.stopCh)
	<-b.doneCh

	b.seqMu.Lock()
	for store, seq := range b.seqs {
		if err := seq.Release(); err != nil {
			b.logger.Warn("failed to release sequence", "store", store, "error", err)
		}
	}
	b.seqs = nil
	b.seqMu.Unlock()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}

	b.logger.Info("badger backend closed")
	return nil
}

// maintenanceLoop runs periodic GC and refreshes the size metrics.
func (b *BadgerBackend) maintenanceLoop() {
	defer close(b.doneCh)

	interval := b.cfg.GCInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	gcTicker := time.NewTicker(interval)
	defer gcTicker.Stop()
	sizeTicker := time.NewTicker(15 * time.Second)
	defer sizeTicker.Stop()

	b.reportSize()

	for {
		select {
		case <-gcTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := b.GC(ctx); err != nil && !errors.Is(err, ErrClosed) {
				b.logger.Error("auto gc failed", "error", err)
			}
			cancel()

		case <-sizeTicker.C:
			b.reportSize()

		case <-b.stopCh:
			return
		}
	}
}

func (b *BadgerBackend) reportSize() {
	if b.metrics == nil {
		return
	}
	lsm, vlog := b.db.Size()
	b.metrics.SetEngineSize("badger", "lsm", lsm)
	b.metrics.SetEngineSize("badger", "vlog", vlog)
	b.metrics.SetEngineSize("badger", "total", lsm+vlog)
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func init() {
	Register(BadgerMechanism, newBadgerMechanism)
}

// newBadgerMechanism is the badger factory. It is supported whenever a
// directory is available and the mechanism is not disabled.
func newBadgerMechanism(env Env) (Mechanism, bool) {
	if !env.Enabled(BadgerMechanism, true) {
		return nil, false
	}
	dir := env.Dir(BadgerMechanism)
	if dir == "" {
		return nil, false
	}

	cfg := DefaultBadgerConfig(dir)
	if s, ok := env.Settings(BadgerMechanism); ok && s.GCInterval > 0 {
		cfg.GCInterval = s.GCInterval
	}

	logger := env.logger().With("engine", "badger")
	m, err := NewKVMechanism(MechanismConfig{
		Name:        BadgerMechanism,
		Driver:      NewBadgerDriver(cfg, logger, env.Metrics),
		Layout:      DefaultLayout(),
		Codec:       env.Codec,
		Concurrency: env.Concurrency,
		Logger:      env.logger(),
		Metrics:     env.Metrics,
	})
	if err != nil {
		env.logger().Error("badger mechanism config invalid", "error", err)
		return nil, false
	}
	return m, true
}
