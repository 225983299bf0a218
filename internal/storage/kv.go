package storage

import (
	"context"
	"errors"
)

// Backend errors. Backends return these (possibly wrapped) so that cells
// can tell an absent record from a failed read.
var (
	// ErrKeyNotFound means the store has no record under the key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrResourceMissing means the record exists but the external
	// resource it references (e.g. a payload file) is gone.
	ErrResourceMissing = errors.New("referenced resource missing")

	// ErrStoreNotFound means the named store does not exist.
	ErrStoreNotFound = errors.New("store not found")

	// ErrClosed means the backend session has been closed.
	ErrClosed = errors.New("backend closed")
)

// Backend is one open session on a key-value engine.
//
// A backend is partitioned into named stores. Keys are unsigned integers
// unique within one store. Implementations must be safe for concurrent
// use; conflicting writes to the same key are serialized by the engine.
type Backend interface {
	// EnsureStore creates the store if it does not exist.
	EnsureStore(ctx context.Context, store string) error

	// HasStore reports whether the store exists.
	HasStore(ctx context.Context, store string) (bool, error)

	// Get returns the value stored under key.
	// Returns ErrKeyNotFound if the key has no record. An empty value is
	// a legitimate record and must be returned as a non-nil empty slice.
	Get(ctx context.Context, store string, key uint64) ([]byte, error)

	// Add stores value under a new key chosen by the engine's key
	// generator and returns that key.
	Add(ctx context.Context, store string, value []byte) (uint64, error)

	// Put stores value under key, replacing any record. Put does not
	// reserve key from the generator: callers only Put keys that Add
	// returned or that were written before the store was generated.
	Put(ctx context.Context, store string, key uint64, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, store string, key uint64) error

	// Keys lists every key in the store in ascending order.
	Keys(ctx context.Context, store string) ([]uint64, error)

	// Scan reads every record in the store in ascending key order.
	// A per-record read failure is passed to fn as err instead of
	// aborting the scan. fn returns false to stop iteration.
	Scan(ctx context.Context, store string, fn func(key uint64, value []byte, err error) bool) error

	// Close releases the session.
	Close() error
}

// Driver opens and deletes whole backend instances.
type Driver interface {
	// Name identifies the engine in logs (e.g. "badger").
	Name() string

	// Open opens the instance, creating it if necessary.
	Open(ctx context.Context) (Backend, error)

	// Drop deletes the entire instance: every store and every record.
	// The instance must not be open.
	Drop(ctx context.Context) error
}
