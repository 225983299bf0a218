// Package localfs provides a storage backend on plain files.
//
// Each store is a directory. A record is split in two: a small index
// entry named after the key, and a data file holding the value. The
// index entry references the data file, so a data file removed behind
// the backend's back leaves a stale record; reads report it as
// storage.ErrResourceMissing and cells prune it.
//
// Layout:
//
//	<dir>/<store>/seq                  key generator state
//	<dir>/<store>/index/<key>          reference to the data file
//	<dir>/<store>/data/<xx>/<key>.bin  value; xx is a murmur3 shard
//
// Keys are written as 16 hex digits, so directory order is key order.
package localfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/yndnr/offstore/internal/storage"
)

// Mechanism is the registry name of the localfs mechanism.
const Mechanism = "localfs"

const (
	indexDir  = "index"
	dataDir   = "data"
	seqFile   = "seq"
	dataExt   = ".bin"
	shardBits = 256
)

// Driver opens localfs backends rooted at one directory.
type Driver struct {
	dir    string
	logger *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(dir string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{dir: dir, logger: logger}
}

// Name implements storage.Driver.
func (d *Driver) Name() string { return "localfs" }

// Open implements storage.Driver.
func (d *Driver) Open(ctx context.Context) (storage.Backend, error) {
	return Open(d.dir, d.logger)
}

// Drop implements storage.Driver.
func (d *Driver) Drop(ctx context.Context) error {
	if err := os.RemoveAll(d.dir); err != nil {
		return fmt.Errorf("localfs: remove %s: %w", d.dir, err)
	}
	d.logger.Info("localfs root removed", "dir", d.dir)
	return nil
}

// Backend implements storage.Backend on a directory tree.
type Backend struct {
	dir    string
	logger *slog.Logger
	closed atomic.Bool

	// Serializes key generation per store.
	seqMu sync.Mutex
	seqs  map[string]uint64

	subdirsMu   sync.RWMutex
	subdirsMade map[string]bool
}

// Open opens (or creates) the root directory.
func Open(dir string, logger *slog.Logger) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("localfs: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("localfs: create dir: %w", err)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("localfs: dir not writable: %w", err)
	}
	_ = os.Remove(testFile) // best-effort cleanup

	return &Backend{
		dir:         dir,
		logger:      logger,
		seqs:        make(map[string]uint64),
		subdirsMade: make(map[string]bool),
	}, nil
}

func validStore(store string) error {
	if store == "" || store == "." || store == ".." ||
		strings.ContainsAny(store, `/\`) || strings.Contains(store, "\x00") {
		return fmt.Errorf("localfs: invalid store name %q", store)
	}
	return nil
}

func keyName(key uint64) string {
	return fmt.Sprintf("%016x", key)
}

func (b *Backend) storeDir(store string) string {
	return filepath.Join(b.dir, store)
}

func (b *Backend) indexPath(store string, key uint64) string {
	return filepath.Join(b.dir, store, indexDir, keyName(key))
}

// dataRel returns the data file path relative to the store directory.
func dataRel(key uint64) string {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], key)
	shard := murmur3.Sum32(k[:]) % shardBits
	return filepath.Join(dataDir, fmt.Sprintf("%02x", shard), keyName(key)+dataExt)
}

func (b *Backend) check(store string) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}
	return validStore(store)
}

// EnsureStore implements storage.Backend.
func (b *Backend) EnsureStore(ctx context.Context, store string) error {
	if err := b.check(store); err != nil {
		return err
	}
	for _, sub := range []string{indexDir, dataDir} {
		if err := b.mkdir(filepath.Join(b.storeDir(store), sub)); err != nil {
			return err
		}
	}
	return nil
}

// HasStore implements storage.Backend.
func (b *Backend) HasStore(ctx context.Context, store string) (bool, error) {
	if err := b.check(store); err != nil {
		return false, err
	}
	fi, err := os.Stat(filepath.Join(b.storeDir(store), indexDir))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localfs: stat store: %w", err)
	}
	return fi.IsDir(), nil
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	if err := b.check(store); err != nil {
		return nil, err
	}

	ref, err := os.ReadFile(b.indexPath(store, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: read index: %w", err)
	}

	rel := filepath.Clean(string(ref))
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("localfs: index %s/%d: bad reference %q", store, key, ref)
	}

	data, err := os.ReadFile(filepath.Join(b.storeDir(store), rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrResourceMissing, store, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: read data: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Add implements storage.Backend.
func (b *Backend) Add(ctx context.Context, store string, value []byte) (uint64, error) {
	if err := b.check(store); err != nil {
		return 0, err
	}
	key, err := b.nextKey(store)
	if err != nil {
		return 0, err
	}
	if err := b.write(store, key, value); err != nil {
		return 0, err
	}
	return key, nil
}

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, store string, key uint64, value []byte) error {
	if err := b.check(store); err != nil {
		return err
	}
	return b.write(store, key, value)
}

func (b *Backend) write(store string, key uint64, value []byte) error {
	if ok, err := b.HasStore(context.Background(), store); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", storage.ErrStoreNotFound, store)
	}

	rel := dataRel(key)
	fn := filepath.Join(b.storeDir(store), rel)
	if err := b.mkdir(filepath.Dir(fn)); err != nil {
		return err
	}

	// Data first: an index entry must never point at a file that was
	// not written yet.
	if err := writeAtomic(fn, value); err != nil {
		return err
	}
	return writeAtomic(b.indexPath(store, key), []byte(filepath.ToSlash(rel)))
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, store string, key uint64) error {
	if err := b.check(store); err != nil {
		return err
	}
	if err := os.Remove(b.indexPath(store, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localfs: remove index: %w", err)
	}
	fn := filepath.Join(b.storeDir(store), dataRel(key))
	if err := os.Remove(fn); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localfs: remove data: %w", err)
	}
	return nil
}

// Keys implements storage.Backend.
func (b *Backend) Keys(ctx context.Context, store string) ([]uint64, error) {
	if err := b.check(store); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(b.storeDir(store), indexDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: list index: %w", err)
	}

	keys := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, err := strconv.ParseUint(e.Name(), 16, 64)
		if err != nil {
			continue // temp files and strays
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

// Scan implements storage.Backend.
func (b *Backend) Scan(ctx context.Context, store string, fn func(key uint64, value []byte, err error) bool) error {
	keys, err := b.Keys(ctx, store)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := b.Get(ctx, store, key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue // deleted during the scan
		}
		if !fn(key, value, err) {
			break
		}
	}
	return nil
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// nextKey returns the next key of a store and persists the generator.
func (b *Backend) nextKey(store string) (uint64, error) {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	cur, ok := b.seqs[store]
	if !ok {
		var err error
		if cur, err = b.loadSeq(store); err != nil {
			return 0, err
		}
	}

	next := cur + 1
	path := filepath.Join(b.storeDir(store), seqFile)
	if err := writeAtomic(path, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, err
	}
	b.seqs[store] = next
	return next, nil
}

// loadSeq reads the generator state. The highest stored key wins over a
// lagging seq file.
func (b *Backend) loadSeq(store string) (uint64, error) {
	var cur uint64
	data, err := os.ReadFile(filepath.Join(b.storeDir(store), seqFile))
	switch {
	case err == nil:
		cur, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			b.logger.Warn("corrupt key generator, rebuilding from index", "store", store, "error", err)
			cur = 0
		}
	case !errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("localfs: read seq: %w", err)
	}

	keys, err := b.Keys(context.Background(), store)
	if err != nil {
		return 0, err
	}
	if n := len(keys); n > 0 && keys[n-1] > cur {
		cur = keys[n-1]
	}
	return cur, nil
}

func (b *Backend) mkdir(dir string) error {
	b.subdirsMu.RLock()
	exists := b.subdirsMade[dir]
	b.subdirsMu.RUnlock()
	if exists {
		return nil
	}

	b.subdirsMu.Lock()
	defer b.subdirsMu.Unlock()
	if !b.subdirsMade[dir] {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("localfs: create directory: %w", err)
		}
		b.subdirsMade[dir] = true
	}
	return nil
}

// writeAtomic writes to a temp file first, then renames it into place.
func writeAtomic(fn string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(fn), ".tmp-*")
	if err != nil {
		return fmt.Errorf("localfs: create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("localfs: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("localfs: close temp file: %w", err)
	}
	if err := os.Rename(tmp, fn); err != nil {
		rmErr := os.Remove(tmp)
		return errors.Join(fmt.Errorf("localfs: rename file: %w", err), rmErr)
	}
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
		Driver:      NewDriver(dir, logger.With("engine", "localfs")),
		Layout:      storage.DefaultLayout(),
		Codec:       env.Codec,
		Concurrency: env.Concurrency,
		Logger:      logger,
		Metrics:     env.Metrics,
	})
	if err != nil {
		logger.Error("localfs mechanism config invalid", "error", err)
		return nil, false
	}
	return m, true
}
