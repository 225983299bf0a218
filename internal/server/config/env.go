package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/yndnr/offstore/internal/storage"
	"github.com/yndnr/offstore/internal/storage/codec"
	"github.com/yndnr/offstore/internal/telemetry/metric"
)

// BuildCodec builds the value codec. It returns nil when values are neither
// compressed nor sealed.
func (c *Config) BuildCodec() (*codec.Codec, error) {
	key, err := c.Codec.key()
	if err != nil {
		return nil, err
	}
	comp, err := codec.ParseCompression(c.Codec.Compression)
	if err != nil {
		return nil, err
	}
	if comp == codec.CompressionNone && len(key) == 0 {
		return nil, nil
	}
	return codec.New(codec.Config{
		Compression: c.Codec.Compression,
		Cipher:      c.Codec.Cipher,
		Key:         key,
	})
}

// key returns the sealing key, deriving it from the passphrase when no
// key is given.
func (s CodecSection) key() ([]byte, error) {
	if s.EncryptionKey != "" || s.Passphrase == "" {
		return codec.ParseKey(s.EncryptionKey)
	}
	salt, err := hex.DecodeString(s.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	return codec.DeriveKey(s.Passphrase, salt)
}

// Env converts the configuration into what mechanism factories read.
func (c *Config) Env(logger *slog.Logger, metrics *metric.Storage) (storage.Env, error) {
	cod, err := c.BuildCodec()
	if err != nil {
		return storage.Env{}, fmt.Errorf("build codec: %w", err)
	}

	mechs := make(map[string]storage.Settings, len(c.Mechanisms))
	for name, m := range c.Mechanisms {
		// badger runs unless disabled; the others are opt-in.
		enabled := name == storage.BadgerMechanism
		if m.Enabled != nil {
			enabled = *m.Enabled
		}
		mechs[name] = storage.Settings{
			Enabled:    enabled,
			Dir:        m.Dir,
			Addr:       m.Addr,
			Prefix:     m.Prefix,
			GCInterval: m.GCInterval,
			TLS:        m.TLS,
			CAFile:     m.CAFile,
		}
	}

	return storage.Env{
		DataDir:     c.Storage.DataDir,
		Concurrency: c.Storage.Concurrency,
		Codec:       cod,
		Logger:      logger,
		Metrics:     metrics,
		Mechanisms:  mechs,
	}, nil
}
