package config

import (
	"maps"
	"strings"

	"github.com/yndnr/offstore/internal/telemetry/logger"
)

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	if out.Codec.EncryptionKey != "" {
		out.Codec.EncryptionKey = maskSecret(out.Codec.EncryptionKey)
	}
	if out.Codec.Passphrase != "" {
		out.Codec.Passphrase = "****"
	}

	out.Mechanisms = maps.Clone(cfg.Mechanisms)
	for name, m := range out.Mechanisms {
		m.Addr = logger.RedactURL(m.Addr)
		out.Mechanisms[name] = m
	}
	return &out
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
