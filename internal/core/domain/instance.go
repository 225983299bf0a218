package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// InstanceIDPrefix is the prefix for backend instance IDs.
const InstanceIDPrefix = "osin-"

// GenerateInstanceID generates a new backend instance ID using ULID.
// Format: osin-{ulid_lowercase}, 31 characters total.
func GenerateInstanceID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", ErrStorageFailure.WithCause(err)
	}
	return InstanceIDPrefix + strings.ToLower(id.String()), nil
}

// IsValidInstanceID reports whether id looks like an instance ID.
func IsValidInstanceID(id string) bool {
	if !strings.HasPrefix(id, InstanceIDPrefix) {
		return false
	}
	_, err := ulid.ParseStrict(strings.ToUpper(strings.TrimPrefix(id, InstanceIDPrefix)))
	return err == nil
}
