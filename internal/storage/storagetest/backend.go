// Package storagetest checks storage.Backend and storage.Driver
// implementations against the behavior cells rely on.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/yndnr/offstore/internal/storage"
)

// RunBackendTests runs the backend conformance tests. open must return a
// fresh, empty backend; the tests close it.
func RunBackendTests(t *testing.T, open func(t *testing.T) storage.Backend) {
	t.Helper()

	t.Run("Stores", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		ok, err := b.HasStore(ctx, "segment-v3")
		if err != nil || ok {
			t.Fatalf("HasStore() on fresh backend = %v, %v", ok, err)
		}
		for i := 0; i < 2; i++ {
			if err := b.EnsureStore(ctx, "segment-v3"); err != nil {
				t.Fatalf("EnsureStore() #%d error = %v", i, err)
			}
		}
		if ok, err := b.HasStore(ctx, "segment-v3"); err != nil || !ok {
			t.Errorf("HasStore() = %v, %v; want true", ok, err)
		}
		if ok, _ := b.HasStore(ctx, "segment"); ok {
			t.Error("HasStore(segment) matched segment-v3")
		}
	})

	t.Run("AddGet", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()
		mustEnsure(t, b, "segment-v3")

		values := [][]byte{[]byte("one"), {}, bytes.Repeat([]byte{0xff}, 4096)}
		keys := make([]uint64, len(values))
		for i, v := range values {
			k, err := b.Add(ctx, "segment-v3", v)
			if err != nil {
				t.Fatalf("Add() error = %v", err)
			}
			keys[i] = k
		}

		if keys[0] == keys[1] || keys[1] == keys[2] || keys[0] == keys[2] {
			t.Fatalf("Add() returned duplicate keys %v", keys)
		}

		for i, k := range keys {
			got, err := b.Get(ctx, "segment-v3", k)
			if err != nil {
				t.Fatalf("Get(%d) error = %v", k, err)
			}
			if got == nil {
				t.Errorf("Get(%d) returned nil", k)
			}
			if !bytes.Equal(got, values[i]) {
				t.Errorf("Get(%d) = %d bytes, want %d", k, len(got), len(values[i]))
			}
		}

		if _, err := b.Get(ctx, "segment-v3", 1<<40); !errors.Is(err, storage.ErrKeyNotFound) {
			t.Errorf("Get(absent) error = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("PutDelete", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()
		mustEnsure(t, b, "manifest-v3")

		if err := b.Put(ctx, "manifest-v3", 10, []byte("a")); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if err := b.Put(ctx, "manifest-v3", 10, []byte("b")); err != nil {
			t.Fatalf("Put() overwrite error = %v", err)
		}
		got, err := b.Get(ctx, "manifest-v3", 10)
		if err != nil || string(got) != "b" {
			t.Errorf("Get() = %q, %v; want b", got, err)
		}

		if err := b.Delete(ctx, "manifest-v3", 10); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := b.Get(ctx, "manifest-v3", 10); !errors.Is(err, storage.ErrKeyNotFound) {
			t.Errorf("Get() after Delete error = %v", err)
		}
		if err := b.Delete(ctx, "manifest-v3", 10); err != nil {
			t.Errorf("Delete(absent) error = %v", err)
		}
	})

	t.Run("KeysScan", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()
		mustEnsure(t, b, "manifest")
		mustEnsure(t, b, "manifest-v3")

		for _, k := range []uint64{30, 10, 20} {
			if err := b.Put(ctx, "manifest-v3", k, []byte{byte(k)}); err != nil {
				t.Fatal(err)
			}
		}
		if err := b.Put(ctx, "manifest", 5, []byte("other")); err != nil {
			t.Fatal(err)
		}

		keys, err := b.Keys(ctx, "manifest-v3")
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(keys, []uint64{10, 20, 30}) {
			t.Errorf("Keys() = %v, want [10 20 30]", keys)
		}

		var scanned []uint64
		err = b.Scan(ctx, "manifest-v3", func(k uint64, v []byte, err error) bool {
			if err != nil {
				t.Errorf("Scan() key %d error = %v", k, err)
			}
			if len(v) != 1 || v[0] != byte(k) {
				t.Errorf("Scan() key %d value = %v", k, v)
			}
			scanned = append(scanned, k)
			return true
		})
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(scanned, []uint64{10, 20, 30}) {
			t.Errorf("Scan() keys = %v", scanned)
		}

		count := 0
		_ = b.Scan(ctx, "manifest-v3", func(uint64, []byte, error) bool {
			count++
			return false
		})
		if count != 1 {
			t.Errorf("Scan() continued after stop: %d calls", count)
		}
	})

	t.Run("AddAfterPut", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()
		mustEnsure(t, b, "segment-v3")

		k1, err := b.Add(ctx, "segment-v3", []byte("a"))
		if err != nil {
			t.Fatal(err)
		}
		k2, err := b.Add(ctx, "segment-v3", []byte("b"))
		if err != nil {
			t.Fatal(err)
		}
		got, _ := b.Get(ctx, "segment-v3", k1)
		if string(got) != "a" {
			t.Errorf("second Add() overwrote key %d (k2=%d)", k1, k2)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		mustEnsure(t, b, "segment-v3")

		if err := b.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := b.Get(ctx, "segment-v3", 1); !errors.Is(err, storage.ErrClosed) {
			t.Errorf("Get() after Close error = %v, want ErrClosed", err)
		}
		if _, err := b.Add(ctx, "segment-v3", []byte("x")); !errors.Is(err, storage.ErrClosed) {
			t.Errorf("Add() after Close error = %v, want ErrClosed", err)
		}
	})
}

// RunDriverTests checks that Drop deletes every store and that data
// survives a close and reopen.
func RunDriverTests(t *testing.T, d storage.Driver) {
	t.Helper()
	ctx := context.Background()

	b, err := d.Open(ctx)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	mustEnsure(t, b, "segment-v3")
	key, err := b.Add(ctx, "segment-v3", []byte("kept"))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b, err = d.Open(ctx)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	got, err := b.Get(ctx, "segment-v3", key)
	if err != nil || string(got) != "kept" {
		t.Errorf("after reopen Get() = %q, %v", got, err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if err := d.Drop(ctx); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}

	b, err = d.Open(ctx)
	if err != nil {
		t.Fatalf("Open() after Drop error = %v", err)
	}
	defer b.Close()
	if ok, _ := b.HasStore(ctx, "segment-v3"); ok {
		t.Error("store survived Drop")
	}
}

func mustEnsure(t *testing.T, b storage.Backend, store string) {
	t.Helper()
	if err := b.EnsureStore(context.Background(), store); err != nil {
		t.Fatalf("EnsureStore(%s) error = %v", store, err)
	}
}
