// Package domain defines the core domain models for offstore.
package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Severity tells a caller whether an error can be worked around.
type Severity int

const (
	// Recoverable errors leave the storage usable; the caller decides
	// between retry, fallback to another cell, or giving up.
	Recoverable Severity = iota + 1
	// Critical errors mean the component that raised them is unusable.
	Critical
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Recoverable:
		return "recoverable"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// CategoryStorage is the only category raised by this module.
const CategoryStorage = "STORAGE"

// StorageError is a storage error with a structured error code.
//
// Two StorageErrors match under errors.Is when their codes are equal,
// so the package-level sentinels below can be used as targets.
type StorageError struct {
	Code     string   // Error code (e.g., "OS-STOR-4040")
	Name     string   // Symbolic name (e.g., "KEY_NOT_FOUND")
	Message  string   // Human-readable message
	Severity Severity // Recoverable or critical
	Category string   // Always CategoryStorage for now
	Store    string   // Store the failing operation targeted, if any
	Keys     []uint64 // Offending record keys, if any
	Details  string   // Optional additional details
	Cause    error    // Underlying error (if any)
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Code)
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Store != "" {
		b.WriteString(" (store ")
		b.WriteString(e.Store)
		b.WriteString(")")
	}
	if len(e.Keys) > 0 {
		b.WriteString(" keys=")
		b.WriteString(FormatKeys(e.Keys))
	}
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsCritical reports whether the error has critical severity.
func (e *StorageError) IsCritical() bool {
	return e.Severity == Critical
}

func newStorageError(code, name, message string, sev Severity) *StorageError {
	return &StorageError{
		Code:     code,
		Name:     name,
		Message:  message,
		Severity: sev,
		Category: CategoryStorage,
	}
}

func (e *StorageError) clone() *StorageError {
	c := *e
	if e.Keys != nil {
		c.Keys = append([]uint64(nil), e.Keys...)
	}
	return &c
}

// WithStore returns a copy of the error bound to a store name.
func (e *StorageError) WithStore(store string) *StorageError {
	c := e.clone()
	c.Store = store
	return c
}

// WithKeys returns a copy of the error naming the offending keys.
func (e *StorageError) WithKeys(keys ...uint64) *StorageError {
	c := e.clone()
	c.Keys = append([]uint64(nil), keys...)
	return c
}

// WithDetails returns a copy of the error with additional details.
func (e *StorageError) WithDetails(details string) *StorageError {
	c := e.clone()
	c.Details = details
	return c
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *StorageError) WithCause(cause error) *StorageError {
	c := e.clone()
	c.Cause = cause
	return c
}

// Wrap wraps an error with this storage error as the cause.
func (e *StorageError) Wrap(cause error) *StorageError {
	return e.WithCause(cause)
}

// AsStorageError extracts the first StorageError in err's chain.
func AsStorageError(err error) (*StorageError, bool) {
	var se *StorageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsStorageError checks if an error is a StorageError with the given code.
// If code is empty, it only checks if the error is a StorageError.
func IsStorageError(err error, code string) bool {
	se, ok := AsStorageError(err)
	if !ok {
		return false
	}
	return code == "" || se.Code == code
}

// GetErrorCode extracts the error code from an error if it's a StorageError.
func GetErrorCode(err error) string {
	if se, ok := AsStorageError(err); ok {
		return se.Code
	}
	return ""
}

// IsRecoverable reports whether err is a recoverable StorageError.
func IsRecoverable(err error) bool {
	se, ok := AsStorageError(err)
	return ok && se.Severity == Recoverable
}

// FormatKeys renders keys as a comma separated list.
func FormatKeys(keys []uint64) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strconv.FormatUint(k, 10)
	}
	return strings.Join(parts, ",")
}

// ============================================================================
// Storage Errors (STOR)
// ============================================================================

var (
	// ErrNewKeyNotSupported is raised when an add operation targets a
	// cell with a fixed key space.
	ErrNewKeyNotSupported = newStorageError("OS-STOR-4090", "NEW_KEY_OPERATION_NOT_SUPPORTED",
		"cannot add new values to a fixed key space", Recoverable)

	// ErrKeyNotFound is raised when requested keys have no record.
	ErrKeyNotFound = newStorageError("OS-STOR-4040", "KEY_NOT_FOUND",
		"could not find values for keys", Recoverable)

	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = newStorageError("OS-STOR-4000", "INVALID_ARGUMENT",
		"invalid argument", Recoverable)

	// ErrStorageFailure wraps backend I/O failures.
	ErrStorageFailure = newStorageError("OS-STOR-5001", "STORAGE_FAILURE",
		"storage operation failed", Recoverable)

	// ErrBackendUnavailable indicates the backend instance could not be
	// opened, created or deleted.
	ErrBackendUnavailable = newStorageError("OS-STOR-5002", "BACKEND_UNAVAILABLE",
		"storage backend unavailable", Critical)

	// ErrCellDestroyed is raised by operations on a destroyed cell.
	ErrCellDestroyed = newStorageError("OS-STOR-5003", "CELL_DESTROYED",
		"storage cell has been destroyed", Critical)

	// ErrNoMechanism indicates that no storage mechanism could be initialized.
	ErrNoMechanism = newStorageError("OS-STOR-5030", "NO_MECHANISM",
		"no storage mechanism available", Critical)
)

// Errorf returns a copy of the error with formatted details.
func (e *StorageError) Errorf(format string, args ...any) *StorageError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}
