package jetstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/yndnr/offstore/internal/storage"
	"github.com/yndnr/offstore/internal/storage/storagetest"
)

var prefixSeq atomic.Int64

// testConfig returns a config with a private bucket prefix. Tests needing
// a server are skipped unless OFFSTORE_TEST_NATS_URL is set.
func testConfig(t *testing.T) Config {
	t.Helper()
	url := os.Getenv("OFFSTORE_TEST_NATS_URL")
	if url == "" {
		t.Skip("OFFSTORE_TEST_NATS_URL not set")
	}
	cfg := Config{
		URL:            url,
		Prefix:         fmt.Sprintf("offstoretest%d_%d", time.Now().UnixNano(), prefixSeq.Add(1)),
		InMemory:       true,
		ConnectTimeout: 2 * time.Second,
	}
	t.Cleanup(func() {
		_ = NewDriver(cfg, nil).Drop(context.Background())
	})
	return cfg
}

func TestBackend_Conformance(t *testing.T) {
	storagetest.RunBackendTests(t, func(t *testing.T) storage.Backend {
		b, err := Open(context.Background(), testConfig(t), nil)
		if err != nil {
			t.Fatal(err)
		}
		return b
	})
}

func TestDriver_Conformance(t *testing.T) {
	storagetest.RunDriverTests(t, NewDriver(testConfig(t), nil))
}

func TestBackend_ConcurrentAdd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// Two backends share the server like two processes would.
	var backends []*Backend
	for i := 0; i < 2; i++ {
		b, err := Open(ctx, cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer b.Close()
		if err := b.EnsureStore(ctx, "segment-v3"); err != nil {
			t.Fatal(err)
		}
		backends = append(backends, b)
	}

	const perBackend = 20
	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for _, b := range backends {
		for i := 0; i < perBackend; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key, err := b.Add(ctx, "segment-v3", []byte("v"))
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if seen[key] {
					t.Errorf("key %d generated twice", key)
				}
				seen[key] = true
			}()
		}
	}
	wg.Wait()

	if len(seen) != 2*perBackend {
		t.Errorf("generated %d keys, want %d", len(seen), 2*perBackend)
	}
}

func TestBackend_AddSkipsPutKeys(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.EnsureStore(ctx, "segment-v3"); err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "segment-v3", 1, []byte("put")); err != nil {
		t.Fatal(err)
	}
	key, err := b.Add(ctx, "segment-v3", []byte("added"))
	if err != nil {
		t.Fatal(err)
	}
	if key == 1 {
		t.Error("Add() reused a key written by Put")
	}
}

func TestConfig(t *testing.T) {
	c := Config{Prefix: "p"}
	if got := c.storeBucket("manifest-v3"); got != "p_s_manifest-v3" {
		t.Errorf("storeBucket() = %q", got)
	}
	if got := c.seqBucket(); got != "p_seq" {
		t.Errorf("seqBucket() = %q", got)
	}
	if got := (Config{}).prefix(); got != DefaultPrefix {
		t.Errorf("prefix() = %q", got)
	}

	bc := Config{InMemory: true}.bucketConfig("x")
	if bc.Storage != jetstream.MemoryStorage || bc.Replicas != 1 || bc.History != 1 {
		t.Errorf("bucketConfig() = %+v", bc)
	}

	if _, _, err := (Config{}).connect(); err == nil {
		t.Error("connect() without url should fail")
	}
	if _, _, err := (Config{URL: "nats://localhost:4222", Prefix: "a.b"}).connect(); err == nil {
		t.Error("connect() with an invalid prefix should fail")
	}
}

func TestIsConflict(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{jetstream.ErrKeyExists, true},
		{fmt.Errorf("wrapped: %w", jetstream.ErrKeyExists), true},
		{&jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}, true},
		{errors.New("nats: wrong last sequence: 4"), true},
		{errors.New("timeout"), false},
	}
	for _, tt := range tests {
		if got := isConflict(tt.err); got != tt.want {
			t.Errorf("isConflict(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestMechanism_Eligibility(t *testing.T) {
	if _, ok := newMechanism(storage.Env{}); ok {
		t.Error("eligible without settings")
	}
	env := storage.Env{Mechanisms: map[string]storage.Settings{
		Mechanism: {Enabled: true, Addr: "nats://localhost:4222"},
	}}
	if _, ok := newMechanism(env); !ok {
		t.Error("not eligible when enabled with an address")
	}

	env.Mechanisms[Mechanism] = storage.Settings{Enabled: true, Addr: "nats://localhost:4222", CAFile: "/nonexistent/ca.pem"}
	if _, ok := newMechanism(env); ok {
		t.Error("eligible with an unreadable CA file")
	}
}
