// Package buildinfo reports the version of the running binary.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/yndnr/offstore/internal/infra/buildinfo.Version=v1.2.0"
//
// Unset values fall back to what the Go toolchain embedded in the binary.
package buildinfo
