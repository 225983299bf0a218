package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yndnr/offstore/internal/core/domain"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

func newTestCell(t *testing.T, fixed bool) (*Cell, *fakeBackend) {
	t.Helper()

	b := newFakeBackend()
	ctx := context.Background()
	for _, s := range []string{"segment-v3", "manifest-v3"} {
		if err := b.EnsureStore(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	c := NewCell(b, CellConfig{
		Name:          "v3",
		Mechanism:     "fake",
		SegmentStore:  "segment-v3",
		ManifestStore: "manifest-v3",
		FixedKey:      fixed,
	})
	return c, b
}

func testManifest(uri string) *domain.Manifest {
	m := domain.NewManifest(uri)
	m.Duration = 60
	m.Size = 1024
	m.Periods = []domain.Period{{
		Streams: []domain.Stream{{
			ID:          1,
			ContentType: "audio",
			MimeType:    "audio/mp4",
			Segments:    []domain.SegmentRef{{StartTime: 0, EndTime: 6, DataKey: 1}},
		}},
	}}
	return m
}

func TestCell_AddGetSegments(t *testing.T) {
	c, b := newTestCell(t, false)
	b.delay = time.Millisecond
	ctx := context.Background()

	values := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte("x"), 1000),
		{},
		[]byte("fourth"),
	}

	keys, err := c.AddSegments(ctx, values)
	if err != nil {
		t.Fatalf("AddSegments() error = %v", err)
	}
	if len(keys) != len(values) {
		t.Fatalf("got %d keys, want %d", len(keys), len(values))
	}

	seen := make(map[uint64]bool)
	for _, k := range keys {
		if seen[k] {
			t.Errorf("duplicate key %d", k)
		}
		seen[k] = true
	}

	got, err := c.GetSegments(ctx, keys)
	if err != nil {
		t.Fatalf("GetSegments() error = %v", err)
	}
	for i := range values {
		if !bytes.Equal(got[i], values[i]) {
			t.Errorf("value %d: got %q, want %q", i, got[i], values[i])
		}
	}
	if got[2] == nil {
		t.Error("empty segment returned as nil")
	}

	t.Run("reversed keys give reversed values", func(t *testing.T) {
		rev := slices.Clone(keys)
		slices.Reverse(rev)
		got, err := c.GetSegments(ctx, rev)
		if err != nil {
			t.Fatal(err)
		}
		for i := range rev {
			if !bytes.Equal(got[i], values[len(values)-1-i]) {
				t.Errorf("position %d mismatch", i)
			}
		}
	})

	t.Run("empty batches", func(t *testing.T) {
		keys, err := c.AddSegments(ctx, nil)
		if err != nil || len(keys) != 0 {
			t.Errorf("AddSegments(nil) = %v, %v", keys, err)
		}
		vals, err := c.GetSegments(ctx, nil)
		if err != nil || len(vals) != 0 {
			t.Errorf("GetSegments(nil) = %v, %v", vals, err)
		}
	})
}

func TestCell_AddManifestsRoundTrip(t *testing.T) {
	c, _ := newTestCell(t, false)
	ctx := context.Background()

	in := []*domain.Manifest{testManifest("a"), testManifest("b"), testManifest("c")}
	keys, err := c.AddManifests(ctx, in)
	if err != nil {
		t.Fatalf("AddManifests() error = %v", err)
	}

	out, err := c.GetManifests(ctx, keys)
	if err != nil {
		t.Fatalf("GetManifests() error = %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestCell_FixedKeySpace(t *testing.T) {
	c, b := newTestCell(t, true)
	ctx := context.Background()

	if !c.HasFixedKeySpace() {
		t.Fatal("HasFixedKeySpace() = false")
	}

	tests := []struct {
		name string
		call func() error
	}{
		{"segments", func() error {
			_, err := c.AddSegments(ctx, [][]byte{[]byte("a"), []byte("b")})
			return err
		}},
		{"manifests", func() error {
			_, err := c.AddManifests(ctx, []*domain.Manifest{testManifest("a")})
			return err
		}},
		{"empty batch", func() error {
			_, err := c.AddSegments(ctx, nil)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, domain.ErrNewKeyNotSupported) {
				t.Fatalf("error = %v, want ErrNewKeyNotSupported", err)
			}
			if domain.IsRecoverable(err) == false {
				t.Error("fixed key error should be recoverable")
			}
		})
	}

	if n := b.writes.Load(); n != 0 {
		t.Errorf("fixed key cell performed %d writes", n)
	}

	t.Run("reads and removes still work", func(t *testing.T) {
		if err := b.Put(ctx, "segment-v3", 5, []byte("legacy")); err != nil {
			t.Fatal(err)
		}
		got, err := c.GetSegments(ctx, []uint64{5})
		if err != nil || string(got[0]) != "legacy" {
			t.Fatalf("GetSegments() = %q, %v", got, err)
		}
		if err := c.RemoveSegments(ctx, []uint64{5}, nil); err != nil {
			t.Fatalf("RemoveSegments() error = %v", err)
		}
	})
}

func TestCell_GetMissingKeys(t *testing.T) {
	c, _ := newTestCell(t, false)
	ctx := context.Background()

	keys, err := c.AddSegments(ctx, [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatal(err)
	}

	request := []uint64{keys[0], 100, keys[1], 200}
	values, err := c.GetSegments(ctx, request)
	if values != nil {
		t.Errorf("values returned alongside error: %v", values)
	}

	se, ok := domain.AsStorageError(err)
	if !ok || !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("error = %v, want ErrKeyNotFound", err)
	}
	if !reflect.DeepEqual(se.Keys, []uint64{100, 200}) {
		t.Errorf("missing keys = %v, want [100 200]", se.Keys)
	}
	if se.Store != "segment-v3" {
		t.Errorf("store = %q, want segment-v3", se.Store)
	}

	t.Run("manifests", func(t *testing.T) {
		_, err := c.GetManifests(ctx, []uint64{42})
		se, ok := domain.AsStorageError(err)
		if !ok || se.Code != domain.ErrKeyNotFound.Code || se.Store != "manifest-v3" {
			t.Fatalf("error = %v", err)
		}
		if !reflect.DeepEqual(se.Keys, []uint64{42}) {
			t.Errorf("missing keys = %v", se.Keys)
		}
	})
}

func TestCell_GetBackendFailure(t *testing.T) {
	c, b := newTestCell(t, false)
	ctx := context.Background()

	keys, _ := c.AddSegments(ctx, [][]byte{[]byte("a"), []byte("b")})
	b.failGet[keys[1]] = true

	_, err := c.GetSegments(ctx, []uint64{keys[0], keys[1], 77})
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("error = %v, want ErrStorageFailure", err)
	}
	if !errors.Is(err, errInjected) {
		t.Error("cause should carry the backend error")
	}
	if !errors.Is(err, ErrKeyNotFound) {
		t.Error("cause should carry the missing key")
	}

	se, _ := domain.AsStorageError(err)
	if !reflect.DeepEqual(se.Keys, []uint64{keys[1], 77}) {
		t.Errorf("failed keys = %v", se.Keys)
	}
}

func TestCell_AddPartialFailure(t *testing.T) {
	c, b := newTestCell(t, false)
	b.failAddValue = "bad"
	ctx := context.Background()

	keys, err := c.AddSegments(ctx, [][]byte{[]byte("ok1"), []byte("bad"), []byte("ok2")})
	if keys != nil {
		t.Errorf("keys returned alongside error: %v", keys)
	}
	if !errors.Is(err, domain.ErrStorageFailure) || !errors.Is(err, errInjected) {
		t.Fatalf("error = %v", err)
	}

	// Completed writes are not rolled back.
	if n := b.writes.Load(); n != 2 {
		t.Errorf("writes = %d, want 2", n)
	}
}

func TestCell_RemoveCallbacks(t *testing.T) {
	c, b := newTestCell(t, false)
	b.delay = time.Millisecond
	ctx := context.Background()

	values := make([][]byte, 20)
	for i := range values {
		values[i] = []byte(fmt.Sprintf("seg-%d", i))
	}
	keys, err := c.AddSegments(ctx, values)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		removed []uint64
	)
	err = c.RemoveSegments(ctx, keys, func(key uint64) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		removed = append(removed, key)
		active--
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RemoveSegments() error = %v", err)
	}

	if overlap {
		t.Error("onRemove calls overlapped")
	}
	slices.Sort(removed)
	want := slices.Clone(keys)
	slices.Sort(want)
	if !reflect.DeepEqual(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
	for _, k := range keys {
		if b.has("segment-v3", k) {
			t.Errorf("key %d still present", k)
		}
	}

	t.Run("failure still reports successes", func(t *testing.T) {
		keys, _ := c.AddSegments(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
		b.failDelete[keys[1]] = true

		var got []uint64
		err := c.RemoveSegments(ctx, keys, func(k uint64) { got = append(got, k) })
		if !errors.Is(err, domain.ErrStorageFailure) {
			t.Fatalf("error = %v, want ErrStorageFailure", err)
		}
		se, _ := domain.AsStorageError(err)
		if !reflect.DeepEqual(se.Keys, []uint64{keys[1]}) {
			t.Errorf("failed keys = %v", se.Keys)
		}
		want := []uint64{keys[0], keys[2]}
		slices.Sort(got)
		slices.Sort(want)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("callbacks = %v", got)
		}
	})

	t.Run("nil callback", func(t *testing.T) {
		keys, _ := c.AddManifests(ctx, []*domain.Manifest{testManifest("x")})
		if err := c.RemoveManifests(ctx, keys, nil); err != nil {
			t.Fatal(err)
		}
	})
}

func TestCell_UpdateManifestExpiration(t *testing.T) {
	c, b := newTestCell(t, false)
	ctx := context.Background()

	m := testManifest("https://example.com/a.mpd")
	m.AppMetadata = map[string]string{"title": "A"}
	keys, err := c.AddManifests(ctx, []*domain.Manifest{m})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.UpdateManifestExpiration(ctx, keys[0], 1700000000000); err != nil {
		t.Fatalf("UpdateManifestExpiration() error = %v", err)
	}

	got, err := c.GetManifests(ctx, keys)
	if err != nil {
		t.Fatal(err)
	}
	want := testManifest("https://example.com/a.mpd")
	want.AppMetadata = map[string]string{"title": "A"}
	want.Expiration = 1700000000000
	if !reflect.DeepEqual(got[0], want) {
		t.Errorf("got %+v, want %+v", got[0], want)
	}

	t.Run("absent key is a no-op", func(t *testing.T) {
		before := b.writes.Load()
		if err := c.UpdateManifestExpiration(ctx, 999, 5); err != nil {
			t.Fatalf("error = %v, want nil", err)
		}
		if b.writes.Load() != before {
			t.Error("update of absent key wrote to the backend")
		}
		if b.has("manifest-v3", 999) {
			t.Error("update of absent key created a record")
		}
	})

	t.Run("backend failure", func(t *testing.T) {
		b.failGet[keys[0]] = true
		defer delete(b.failGet, keys[0])
		if err := c.UpdateManifestExpiration(ctx, keys[0], 1); !errors.Is(err, domain.ErrStorageFailure) {
			t.Errorf("error = %v, want ErrStorageFailure", err)
		}
	})
}

func TestCell_GetAllManifests(t *testing.T) {
	c, b := newTestCell(t, false)
	reg := prometheus.NewRegistry()
	c.cfg.Metrics = metric.NewStorage(reg)
	ctx := context.Background()

	in := []*domain.Manifest{testManifest("a"), testManifest("b"), testManifest("c")}
	keys, err := c.AddManifests(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	// The payload behind the second manifest is gone.
	b.missing[keys[1]] = true

	all, err := c.GetAllManifests(ctx)
	if err != nil {
		t.Fatalf("GetAllManifests() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d manifests, want 2", len(all))
	}
	if !reflect.DeepEqual(all[keys[0]], in[0]) || !reflect.DeepEqual(all[keys[2]], in[2]) {
		t.Error("manifest content mismatch")
	}
	if _, ok := all[keys[1]]; ok {
		t.Error("stale manifest returned")
	}
	if b.has("manifest-v3", keys[1]) {
		t.Error("stale manifest not pruned")
	}
	if got := testutil.ToFloat64(c.cfg.Metrics.StalePruned.WithLabelValues("fake", "v3")); got != 1 {
		t.Errorf("stale pruned metric = %v, want 1", got)
	}

	t.Run("read failure surfaces", func(t *testing.T) {
		b.failGet[keys[0]] = true
		defer delete(b.failGet, keys[0])

		_, err := c.GetAllManifests(ctx)
		if !errors.Is(err, domain.ErrStorageFailure) {
			t.Fatalf("error = %v, want ErrStorageFailure", err)
		}
	})

	t.Run("empty store", func(t *testing.T) {
		c, _ := newTestCell(t, false)
		all, err := c.GetAllManifests(ctx)
		if err != nil || all == nil || len(all) != 0 {
			t.Errorf("GetAllManifests() = %v, %v", all, err)
		}
	})
}

func TestCell_Destroy(t *testing.T) {
	c, _ := newTestCell(t, false)
	ctx := context.Background()

	if err := c.Destroy(); err != nil {
		t.Fatal(err)
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}

	_, err := c.AddSegments(ctx, [][]byte{[]byte("a")})
	if !errors.Is(err, domain.ErrCellDestroyed) {
		t.Fatalf("error = %v, want ErrCellDestroyed", err)
	}
	se, _ := domain.AsStorageError(err)
	if !se.IsCritical() {
		t.Error("destroyed cell error should be critical")
	}

	if _, err := c.GetAllManifests(ctx); !errors.Is(err, domain.ErrCellDestroyed) {
		t.Errorf("GetAllManifests() error = %v", err)
	}
	if err := c.UpdateManifestExpiration(ctx, 1, 1); !errors.Is(err, domain.ErrCellDestroyed) {
		t.Errorf("UpdateManifestExpiration() error = %v", err)
	}
}

func TestCell_BatchIgnoresCancellation(t *testing.T) {
	c, _ := newTestCell(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	keys, err := c.AddSegments(ctx, [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatalf("AddSegments() with cancelled context error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("got %d keys, want 2", len(keys))
	}
}

func TestCell_ConcurrencyLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		check func(max int64) bool
	}{
		{"bounded", 2, func(max int64) bool { return max <= 2 }},
		{"unbounded", 0, func(max int64) bool { return max > 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, b := newTestCell(t, false)
			c.cfg.Concurrency = tt.limit
			b.delay = 20 * time.Millisecond

			values := make([][]byte, 8)
			for i := range values {
				values[i] = []byte{byte(i)}
			}
			if _, err := c.AddSegments(context.Background(), values); err != nil {
				t.Fatal(err)
			}
			if max := b.maxSeen.Load(); !tt.check(max) {
				t.Errorf("max in flight = %d", max)
			}
		})
	}
}
