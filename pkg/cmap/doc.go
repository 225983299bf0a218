// Package cmap provides a concurrent-safe sharded map.
//
// Each shard has its own RWMutex, so writers to different shards never
// contend. The shard of a key is chosen by a hash function supplied at
// construction; NewUint64 and NewString cover the common key types.
//
// Usage:
//
//	m := cmap.NewUint64[[]byte](16)
//	m.Set(42, value)
//	val, ok := m.Get(42)
//
// Iteration locks one shard at a time, so it does not observe a
// consistent snapshot of the whole map.
package cmap
