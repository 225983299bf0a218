package config

import (
	"github.com/yndnr/offstore/internal/infra/confloader"
)

// Load reads the defaults, then path (if set), then the environment,
// then overrides, and verifies the result.
func Load(path string, overrides map[string]any) (*Config, error) {
	cfg := Default()
	l := confloader.NewLoader(
		confloader.WithConfigFile(path),
		confloader.WithOverrides(overrides),
	)
	if err := l.Load(cfg); err != nil {
		return nil, err
	}
	if err := Verify(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
