package codec

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for DeriveKey. Changing them changes every derived
// key, so sealed values written before the change no longer open.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4

	// KeySize is the length of keys accepted by both ciphers.
	KeySize = 32

	// MinSaltSize is the shortest salt DeriveKey accepts.
	MinSaltSize = 16
	// MinPassphraseSize is the shortest passphrase DeriveKey accepts.
	MinPassphraseSize = 8
)

var (
	ErrPassphraseTooShort = errors.New("codec: passphrase too short")
	ErrSaltTooShort       = errors.New("codec: salt too short")
)

// DeriveKey stretches a passphrase into a cipher key with argon2id. The
// salt must be stored with the configuration: the same passphrase and
// salt always yield the same key.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if len(passphrase) < MinPassphraseSize {
		return nil, fmt.Errorf("%w: minimum %d characters", ErrPassphraseTooShort, MinPassphraseSize)
	}
	if len(salt) < MinSaltSize {
		return nil, fmt.Errorf("%w: minimum %d bytes", ErrSaltTooShort, MinSaltSize)
	}
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, KeySize), nil
}
