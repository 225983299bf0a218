package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher names accepted by ParseCipher.
const (
	CipherAuto     = "auto"
	CipherAESGCM   = "aes-gcm"
	CipherChaCha20 = "chacha20-poly1305"
)

// ErrCiphertextTooShort is returned when a sealed value is truncated.
var ErrCiphertextTooShort = errors.New("codec: ciphertext too short")

// sealer provides authenticated encryption. The nonce is prepended to the
// ciphertext.
type sealer struct {
	name string
	aead cipher.AEAD
}

func newSealer(name string, key []byte) (*sealer, error) {
	switch strings.ToLower(name) {
	case "", CipherAuto:
		// Go uses AES hardware instructions on amd64 and arm64.
		if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
			return newSealer(CipherAESGCM, key)
		}
		return newSealer(CipherChaCha20, key)

	case CipherAESGCM:
		if len(key) != 32 {
			return nil, fmt.Errorf("codec: aes-gcm key must be 32 bytes, got %d", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		return &sealer{name: CipherAESGCM, aead: aead}, nil

	case CipherChaCha20:
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("codec: chacha20-poly1305 key must be %d bytes, got %d",
				chacha20poly1305.KeySize, len(key))
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}
		return &sealer{name: CipherChaCha20, aead: aead}, nil

	default:
		return nil, fmt.Errorf("codec: unknown cipher %q", name)
	}
}

func (s *sealer) seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *sealer) open(ciphertext, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(ciphertext) < n+s.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	return s.aead.Open(nil, ciphertext[:n], ciphertext[n:], aad)
}
