// Package domain defines the core domain models for offstore.
//
// Domain models are pure value objects without any IO dependencies.
// This package contains:
//
//   - Manifest: the structured offline content record
//   - Instance IDs: identity of a backend instance across erases
//   - Errors: the storage error taxonomy shared by every layer
package domain
