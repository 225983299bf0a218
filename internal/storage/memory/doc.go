// Package memory provides a volatile storage backend.
//
// Records live in sharded concurrent maps, one per store, and vanish
// with the process. The backend is meant for tests and for hosts that
// run without a data directory. It registers the "memory" mechanism,
// which is only eligible when explicitly enabled.
package memory
