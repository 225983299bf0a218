// Package codec transforms record values on their way into and out of a
// storage backend.
//
// A Codec compresses (s2, zstd or lz4) and optionally seals values with an
// AEAD cipher (AES-GCM or ChaCha20-Poly1305). Every encoded value starts
// with a one byte header naming the transformations that were applied, so
// values written under one configuration stay readable after the
// compression setting changes. Sealed values always need the key.
package codec
