// Package valkey provides a storage backend on a Valkey (or Redis) server.
//
// Every store is one hash keyed by the decimal record key. Key
// generators are plain counters, and the set of created stores is kept
// in a set so empty stores survive. All server keys share a prefix.
package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/yndnr/offstore/internal/infra/tlsroots"
	"github.com/yndnr/offstore/internal/storage"
)

// Mechanism is the registry name of the valkey mechanism.
const Mechanism = "valkey"

// DefaultPrefix namespaces server keys when none is configured.
const DefaultPrefix = "offstore"

const scanCount = 100

// Config configures the connection.
type Config struct {
	Addr   string
	Prefix string

	// DialTimeout bounds the initial connection. 0 uses the client default.
	DialTimeout time.Duration

	// TLS is used for the connection when set.
	TLS *tls.Config
}

func (c Config) prefix() string {
	if c.Prefix == "" {
		return DefaultPrefix
	}
	return c.Prefix
}

func (c Config) connect(ctx context.Context) (valkey.Client, error) {
	if c.Addr == "" {
		return nil, errors.New("valkey: addr is required")
	}
	opt := valkey.ClientOption{InitAddress: []string{c.Addr}, TLSConfig: c.TLS}
	if c.DialTimeout > 0 {
		opt.Dialer.Timeout = c.DialTimeout
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("valkey: create client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey: ping: %w", err)
	}
	return client, nil
}

// keys builds server key names.
type keys struct{ prefix string }

func (k keys) stores() string { return k.prefix + ":stores" }
func (k keys) records(store string) string { return k.prefix + ":r:" + store }
func (k keys) seq(store string) string { return k.prefix + ":seq:" + store }
func (k keys) all() string { return k.prefix + ":*" }

func field(key uint64) string { return strconv.FormatUint(key, 10) }

// Driver opens backends that share one prefix.
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
func (d *Driver) Name() string { return "valkey" }

// Open implements storage.Driver.
func (d *Driver) Open(ctx context.Context) (storage.Backend, error) {
	return Open(ctx, d.cfg, d.logger)
}

// Drop deletes every server key under the prefix.
func (d *Driver) Drop(ctx context.Context) error {
	client, err := d.cfg.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := flush(ctx, client, keys{d.cfg.prefix()}.all())
	if err != nil {
		return err
	}
	d.logger.Info("valkey keys removed", "prefix", d.cfg.prefix(), "count", n)
	return nil
}

func flush(ctx context.Context, client valkey.Client, pattern string) (int, error) {
	n := 0
	var cur uint64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		scan, err := client.Do(ctx, client.B().Scan().Cursor(cur).Match(pattern).Count(scanCount).Build()).AsScanEntry()
		if err != nil {
			return n, fmt.Errorf("valkey: scan keys: %w", err)
		}
		if len(scan.Elements) > 0 {
			c, err := client.Do(ctx, client.B().Del().Key(scan.Elements...).Build()).AsInt64()
			if err != nil {
				return n, fmt.Errorf("valkey: delete keys: %w", err)
			}
			n += int(c)
		}

		cur = scan.Cursor
		if cur == 0 {
			return n, nil
		}
	}
}

// Backend implements storage.Backend on a Valkey client.
type Backend struct {
	client valkey.Client
	keys   keys
	logger *slog.Logger
	closed atomic.Bool
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := cfg.connect(ctx)
	if err != nil {
		return nil, err
	}
	return &Backend{client: client, keys: keys{cfg.prefix()}, logger: logger}, nil
}

func (b *Backend) check(store string) error {
	if b.closed.Load() {
		return storage.ErrClosed
	}
	if store == "" {
		return errors.New("valkey: empty store name")
	}
	return nil
}

// EnsureStore implements storage.Backend.
func (b *Backend) EnsureStore(ctx context.Context, store string) error {
	if err := b.check(store); err != nil {
		return err
	}
	cmd := b.client.B().Sadd().Key(b.keys.stores()).Member(store).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey: add store: %w", err)
	}
	return nil
}

// HasStore implements storage.Backend.
func (b *Backend) HasStore(ctx context.Context, store string) (bool, error) {
	if err := b.check(store); err != nil {
		return false, err
	}
	cmd := b.client.B().Sismember().Key(b.keys.stores()).Member(store).Build()
	ok, err := b.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, fmt.Errorf("valkey: check store: %w", err)
	}
	return ok, nil
}

func (b *Backend) requireStore(ctx context.Context, store string) error {
	ok, err := b.HasStore(ctx, store)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrStoreNotFound, store)
	}
	return nil
}

// Get implements storage.Backend.
func (b *Backend) Get(ctx context.Context, store string, key uint64) ([]byte, error) {
	if err := b.check(store); err != nil {
		return nil, err
	}
	cmd := b.client.B().Hget().Key(b.keys.records(store)).Field(field(key)).Build()
	data, err := b.client.Do(ctx, cmd).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("valkey: get: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// Add implements storage.Backend. A generated key already taken by Put
// is skipped.
func (b *Backend) Add(ctx context.Context, store string, value []byte) (uint64, error) {
	if err := b.check(store); err != nil {
		return 0, err
	}
	if err := b.requireStore(ctx, store); err != nil {
		return 0, err
	}

	for {
		n, err := b.client.Do(ctx, b.client.B().Incr().Key(b.keys.seq(store)).Build()).AsInt64()
		if err != nil {
			return 0, fmt.Errorf("valkey: next key: %w", err)
		}
		key := uint64(n)

		cmd := b.client.B().Hsetnx().Key(b.keys.records(store)).Field(field(key)).
			Value(valkey.BinaryString(value)).Build()
		set, err := b.client.Do(ctx, cmd).AsBool()
		if err != nil {
			return 0, fmt.Errorf("valkey: add: %w", err)
		}
		if set {
			return key, nil
		}
		b.logger.Debug("generated key already in use", "store", store, "key", key)
	}
}

// Put implements storage.Backend.
func (b *Backend) Put(ctx context.Context, store string, key uint64, value []byte) error {
	if err := b.check(store); err != nil {
		return err
	}
	if err := b.requireStore(ctx, store); err != nil {
		return err
	}
	cmd := b.client.B().Hset().Key(b.keys.records(store)).FieldValue().
		FieldValue(field(key), valkey.BinaryString(value)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey: put: %w", err)
	}
	return nil
}

// Delete implements storage.Backend.
func (b *Backend) Delete(ctx context.Context, store string, key uint64) error {
	if err := b.check(store); err != nil {
		return err
	}
	cmd := b.client.B().Hdel().Key(b.keys.records(store)).Field(field(key)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey: delete: %w", err)
	}
	return nil
}

// Keys implements storage.Backend.
func (b *Backend) Keys(ctx context.Context, store string) ([]uint64, error) {
	if err := b.check(store); err != nil {
		return nil, err
	}
	fields, err := b.client.Do(ctx, b.client.B().Hkeys().Key(b.keys.records(store)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("valkey: list keys: %w", err)
	}

	out := make([]uint64, 0, len(fields))
	for _, f := range fields {
		key, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			b.logger.Warn("skipping foreign hash field", "store", store, "field", f)
			continue
		}
		out = append(out, key)
	}
	slices.Sort(out)
	return out, nil
}

// Scan implements storage.Backend. Records are collected with HSCAN
// first and visited in key order.
func (b *Backend) Scan(ctx context.Context, store string, fn func(key uint64, value []byte, err error) bool) error {
	if err := b.check(store); err != nil {
		return err
	}

	records := make(map[uint64][]byte)
	var cur uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := b.client.B().Hscan().Key(b.keys.records(store)).Cursor(cur).Count(scanCount).Build()
		scan, err := b.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("valkey: scan: %w", err)
		}
		for i := 0; i+1 < len(scan.Elements); i += 2 {
			key, err := strconv.ParseUint(scan.Elements[i], 10, 64)
			if err != nil {
				continue
			}
			records[key] = []byte(scan.Elements[i+1])
		}
		cur = scan.Cursor
		if cur == 0 {
			break
		}
	}

	order := make([]uint64, 0, len(records))
	for k := range records {
		order = append(order, k)
	}
	slices.Sort(order)
	for _, k := range order {
		if !fn(k, records[k], nil) {
			break
		}
	}
	return nil
}

// Close releases the client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.client.Close()
	return nil
}

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

	cfg := Config{Addr: s.Addr, Prefix: s.Prefix}
	if s.TLS || s.CAFile != "" {
		tc, err := tlsroots.ClientConfig(s.CAFile)
		if err != nil {
			logger.Error("valkey tls config invalid", "error", err)
			return nil, false
		}
		cfg.TLS = tc
	}
	m, err := storage.NewKVMechanism(storage.MechanismConfig{
		Name:        Mechanism,
		Driver:      NewDriver(cfg, logger.With("engine", "valkey")),
		Layout:      storage.CurrentLayout(),
		Codec:       env.Codec,
		Concurrency: env.Concurrency,
		Logger:      logger,
		Metrics:     env.Metrics,
	})
	if err != nil {
		logger.Error("valkey mechanism config invalid", "error", err)
		return nil, false
	}
	return m, true
}
