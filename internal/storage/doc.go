// Package storage persists offline content over pluggable key-value
// backends.
//
// The package is organized in three layers:
//
//   - Cell: CRUD over one segment store and one manifest store. Batch
//     operations fan out one backend call per item and report a single
//     outcome in input order.
//   - Mechanism: owns one backend instance (opened through a Driver) and
//     exposes one Cell per schema version found in it. Legacy versions
//     are mounted with a fixed key space.
//   - Muxer: builds every mechanism registered in a Registry whose
//     factory supports the environment, and exposes the union of their
//     cells keyed "<mechanism>:<cell>".
//
// The badger backend lives in this package. Other backends live in sub
// packages and register their factory from init, so importing them is
// enough to make them eligible.
package storage
