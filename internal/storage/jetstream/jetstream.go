// Package jetstream provides a storage backend on NATS JetStream
// key-value buckets.
//
// Every store is a bucket named <prefix>_s_<store>. Key generators live
// in the <prefix>_seq bucket, one entry per store, advanced with
// compare-and-set so several processes can share a server.
package jetstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/yndnr/offstore/internal/infra/tlsroots"
	"github.com/yndnr/offstore/internal/storage"
)

// Mechanism is the registry name of the jetstream mechanism.
const Mechanism = "jetstream"

// DefaultPrefix namespaces buckets when none is configured.
const DefaultPrefix = "offstore"

const maxCASRetries = 32

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Config configures the connection and bucket placement.
type Config struct {
	URL    string
	Prefix string

	// Replicas of each bucket. 0 means 1.
	Replicas int

	// InMemory keeps buckets in server memory instead of on disk.
	InMemory bool

	ConnectTimeout time.Duration

	// TLS is used for the connection when set.
	TLS *tls.Config
}

func (c Config) prefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}

func (c Config) storeBucket(store string) string { return c.prefix() + "_s_" + store }
func (c Config) seqBucket() string { return c.prefix() + "_seq" }

func (c Config) bucketConfig(name string) jetstream.KeyValueConfig {
	cfg := jetstream.KeyValueConfig{
		Bucket:   name,
		History:  1,
		Replicas: max(c.Replicas, 1),
		Storage:  jetstream.FileStorage,
	}
	if c.InMemory {
		cfg.Storage = jetstream.MemoryStorage
	}
	return cfg
}

func (c Config) connect() (*nats.Conn, jetstream.JetStream, error) {
	if c.URL == "" {
		return nil, nil, errors.New("jetstream: url is required")
	}
	if !validName.MatchString(c.prefix()) {
		return nil, nil, fmt.Errorf("jetstream: invalid prefix %q", c.prefix())
	}

	opts := []nats.Option{nats.Name("offstore")}
	if c.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(c.ConnectTimeout))
	}
	if c.TLS != nil {
		opts = append(opts, nats.Secure(c.TLS))
	}
	nc, err := nats.Connect(c.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: init: %w", err)
	}
	return nc, js, nil
}

// isConflict reports a lost compare-and-set.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// Driver opens backends sharing one bucket prefix.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// NewDriver creates a driver.
func NewDriver(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: logger}
}

// Name implements storage.Driver.
func (d *Driver) Name() string { return "jetstream" }

// Open implements storage.Driver.
func (d *Driver) Open(ctx context.Context) (storage.Backend, error) {
	return Open(ctx, d.cfg, d.logger)
}

// Drop deletes every bucket under the prefix.
func (d *Driver) Drop(ctx context.Context) error {
	nc, js, err := d.cfg.connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	lister := js.KeyValueStoreNames(ctx)
	var names []string
	for name := range lister.Name() {
		if strings.HasPrefix(name, d.cfg.prefix()+"_") {
			names = append(names, name)
		}
	}
	if err := lister.Error(); err != nil {
		return fmt.Errorf("jetstream: list buckets: %w", err)
	}

	for _, name := range names {
		if err := js.DeleteKeyValue(ctx, name); err != nil && !errors.Is(err, jetstream.ErrBucketNotFound) {
			return fmt.Errorf("jetstream: delete bucket %s: %w", name, err)
		}
	}
	d.logger.Info("jetstream buckets removed", "prefix", d.cfg.prefix(), "count", len(names))
	return nil
}

// Backend implements storage.Backend on JetStream KV buckets.
type Backend struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
	closed atomic.Bool

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
	seq     jetstream.KeyValue
}

// Open connects to the server. Buckets are created by EnsureStore.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := cfg.connect()
	if err != nil {
		return nil, err
	}
	// Fail here rather than on first use when JetStream is disabled.
	if _, err := js.AccountInfo(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: account info: %w", err)
	}
	return &Backend{
		cfg:     cfg,
		nc:      nc,
		js:      js,
		logger:  logger,
		buckets: make(map[string]jetstream.KeyValue),
	}, nil
}

func (b *Backend) check(store string) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}
	if !validName.MatchString(store) {
		return fmt.Errorf("jetstream: invalid store name %q", store)
	}
	return nil
}

// bucket returns the bucket of a store, creating it when create is set.
func (b *Backend) bucket(ctx context.Context, store string, create bool) (jetstream.KeyValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if kv, ok := b.buckets[store]; ok {
		return kv, nil
	}

	name := b.cfg.storeBucket(store)
	kv, err := b.js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		if !create {
			return nil, fmt.Errorf("%w: %s", storage.ErrStoreNotFound, store)
		}
		kv, err = b.js.CreateKeyValue(ctx, b.cfg.bucketConfig(name))
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = b.js.KeyValue(ctx, name)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("jetstream: bucket %s: %w", name, err)
	}
	b.buckets[store] = kv
	return kv, nil
}

func (b *Backend) seqBucket(ctx context.Context) (jetstream.KeyValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seq != nil {
		return b.seq, nil
	}
	kv, err := b.js.CreateOrUpdateKeyValue(ctx, b.cfg.bucketConfig(b.cfg.seqBucket()))
	if err != nil {
		return nil, fmt.Errorf("jetstream: sequence bucket: %w", err)
	}
	b.seq = kv
	return kv, nil
}

// EnsureStore implements storage.Backend.
func (b *Backend) EnsureStore(ctx context.Context, store string) error {
	if err := b.check(store); err != nil {
		return err
	}
	_, err := b.bucket(ctx, store, true)
	return err
}

// HasStore implements storage.Backend.
func (b *Backend) HasStore(ctx context.Context, store string) (bool, error) {
	if err := b.check(store); err != nil {
		return false, err
	}
	_, err := b.bucket(ctx, store, false)
	if errors.Is(err, storage.ErrStoreNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	if err := b.check(store); err != nil {
		return nil, err
	}
	kv, err := b.bucket(ctx, store, false)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, field(key))
	if isNotFound(err) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jetstream: get: %w", err)
	}
	v := entry.Value()
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

// Add implements storage.Backend. A generated key already taken by Put
// is skipped.
func (b *Backend) Add(ctx context.Context, store string, value []byte) (uint64, error) {
	if err := b.check(store); err != nil {
		return 0, err
	}
	kv, err := b.bucket(ctx, store, false)
	if err != nil {
		return 0, err
	}

	for {
		key, err := b.nextKey(ctx, store)
		if err != nil {
			return 0, err
		}
		_, err = kv.Create(ctx, field(key), value)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("jetstream: add: %w", err)
		}
		b.logger.Debug("generated key already in use", "store", store, "key", key)
	}
}

// nextKey advances the store's counter with compare-and-set.
func (b *Backend) nextKey(ctx context.Context, store string) (uint64, error) {
	seq, err := b.seqBucket(ctx)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		entry, err := seq.Get(ctx, store)
		switch {
		case isNotFound(err):
			_, err = seq.Create(ctx, store, []byte("1"))
			if err == nil {
				return 1, nil
			}
		case err != nil:
			return 0, fmt.Errorf("jetstream: read sequence: %w", err)
		default:
			cur, perr := strconv.ParseUint(string(entry.Value()), 10, 64)
			if perr != nil {
				return 0, fmt.Errorf("jetstream: corrupt sequence for %s: %w", store, perr)
			}
			next := cur + 1
			_, err = seq.Update(ctx, store, []byte(strconv.FormatUint(next, 10)), entry.Revision())
			if err == nil {
				return next, nil
			}
		}
		if !isConflict(err) {
			return 0, fmt.Errorf("jetstream: advance sequence: %w", err)
		}
	}
	return 0, fmt.Errorf("jetstream: sequence for %s: too much contention", store)
}

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, store string, key uint64, value []byte) error {
	if err := b.check(store); err != nil {
		return err
	}
	kv, err := b.bucket(ctx, store, false)
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, field(key), value); err != nil {
		return fmt.Errorf("jetstream: put: %w", err)
	}
	return nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, store string, key uint64) error {
	if err := b.check(store); err != nil {
		return err
	}
	kv, err := b.bucket(ctx, store, false)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, field(key)); err != nil && !isNotFound(err) {
		return fmt.Errorf("jetstream: delete: %w", err)
	}
	return nil
}

// Keys implements storage.Backend.
func (b *Backend) Keys(ctx context.Context, store string) ([]uint64, error) {
	if err := b.check(store); err != nil {
		return nil, err
	}
	kv, err := b.bucket(ctx, store, false)
	if errors.Is(err, storage.ErrStoreNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lister, err := kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("jetstream: list keys: %w", err)
	}
	defer lister.Stop()

	var out []uint64
	for name := range lister.Keys() {
		key, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			b.logger.Warn("skipping foreign bucket key", "store", store, "key", name)
			continue
		}
		out = append(out, key)
	}
	slices.Sort(out)
	return out, nil
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
			continue
		}
		if !fn(key, value, err) {
			break
		}
	}
	return nil
}

// Close closes the connection.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.nc.Close()
	return nil
}

func field(key uint64) string { return strconv.FormatUint(key, 10) }

func init() {
	storage.Register(Mechanism, newMechanism)
}

func newMechanism(env storage.Env) (storage.Mechanism, bool) {
	s, ok := env.Settings(Mechanism)
	if !ok || !s.Enabled || s.Addr == "" {
		return nil, false
	}

	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Config{URL: s.Addr, Prefix: s.Prefix}
	if s.TLS || s.CAFile != "" {
		tc, err := tlsroots.ClientConfig(s.CAFile)
		if err != nil {
			logger.Error("jetstream tls config invalid", "error", err)
			return nil, false
		}
		cfg.TLS = tc
	}
	m, err := storage.NewKVMechanism(storage.MechanismConfig{
		Name:        Mechanism,
		Driver:      NewDriver(cfg, logger.With("engine", "jetstream")),
		Layout:      storage.CurrentLayout(),
		Codec:       env.Codec,
		Concurrency: env.Concurrency,
		Logger:      logger,
		Metrics:     env.Metrics,
	})
	if err != nil {
		logger.Error("jetstream mechanism config invalid", "error", err)
		return nil, false
	}
	return m, true
}
