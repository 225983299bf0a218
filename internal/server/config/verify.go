package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/hashicorp/go-multierror"

	"github.com/yndnr/offstore/internal/storage/codec"
	"github.com/yndnr/offstore/internal/telemetry/logger"
)

// Verify validates the configuration and reports every problem found.
func Verify(cfg *Config) error {
	var result *multierror.Error

	if cfg.Storage.Concurrency < 0 {
		result = multierror.Append(result, errors.New("storage.concurrency must not be negative"))
	}
	if cfg.Storage.ShutdownTimeout < 0 {
		result = multierror.Append(result, errors.New("storage.shutdown_timeout must not be negative"))
	}

	if _, err := codec.ParseCompression(cfg.Codec.Compression); err != nil {
		result = multierror.Append(result, fmt.Errorf("codec.compression: %w", err))
	}
	switch {
	case cfg.Codec.EncryptionKey != "" && cfg.Codec.Passphrase != "":
		result = multierror.Append(result, errors.New("codec.encryption_key and codec.passphrase are mutually exclusive"))
	case cfg.Codec.Passphrase != "":
		if _, err := cfg.Codec.key(); err != nil {
			result = multierror.Append(result, fmt.Errorf("codec.passphrase: %w", err))
		}
	default:
		if key, err := codec.ParseKey(cfg.Codec.EncryptionKey); err != nil {
			result = multierror.Append(result, fmt.Errorf("codec.encryption_key: %w", err))
		} else if len(key) > 0 && len(key) != codec.KeySize {
			result = multierror.Append(result, fmt.Errorf("codec.encryption_key must be %d bytes, got %d", codec.KeySize, len(key)))
		}
	}

	for name, m := range cfg.Mechanisms {
		if m.GCInterval < 0 {
			result = multierror.Append(result, fmt.Errorf("mechanisms.%s.gc_interval must not be negative", name))
		}
	}

	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics.addr: %w", err))
		}
	}

	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}
	switch cfg.Log.Format {
	case "", "json", "text", "console":
	default:
		result = multierror.Append(result, fmt.Errorf("log.format: unknown format %q", cfg.Log.Format))
	}

	return result.ErrorOrNil()
}
