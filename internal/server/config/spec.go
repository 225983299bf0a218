package config

import "time"

// Config is the root configuration shared by offstore and offstored.
type Config struct {
	Storage    StorageSection             `koanf:"storage" json:"storage" yaml:"storage"`
	Codec      CodecSection               `koanf:"codec" json:"codec" yaml:"codec"`
	Mechanisms map[string]MechanismConfig `koanf:"mechanisms" json:"mechanisms" yaml:"mechanisms"`
	Metrics    MetricsSection             `koanf:"metrics" json:"metrics" yaml:"metrics"`
	Log        LogSection                 `koanf:"log" json:"log" yaml:"log"`
}

// StorageSection configures the muxer.
type StorageSection struct {
	// DataDir is the parent directory of file based mechanisms.
	DataDir string `koanf:"data_dir" json:"data_dir" yaml:"data_dir"`

	// Concurrency bounds sub-operations of one batch. 0 is unbounded.
	Concurrency int `koanf:"concurrency" json:"concurrency" yaml:"concurrency"`

	// ShutdownTimeout bounds the graceful stop of the daemon.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// CodecSection configures value compression and sealing.
type CodecSection struct {
	Compression string `koanf:"compression" json:"compression" yaml:"compression"`
	Cipher      string `koanf:"cipher" json:"cipher" yaml:"cipher"`

	// EncryptionKey is 32 bytes, hex encoded. Empty disables sealing
	// unless Passphrase is set.
	EncryptionKey string `koanf:"encryption_key" json:"encryption_key" yaml:"encryption_key"`

	// Passphrase derives the key with argon2id when EncryptionKey is
	// empty. Salt is hex encoded and must not change once values are
	// sealed.
	Passphrase string `koanf:"passphrase" json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	Salt       string `koanf:"salt" json:"salt,omitempty" yaml:"salt,omitempty"`
}

// MechanismConfig configures one storage mechanism. Not every field
// applies to every mechanism.
type MechanismConfig struct {
	// Enabled left unset keeps the mechanism's own default.
	Enabled    *bool         `koanf:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Dir        string        `koanf:"dir" json:"dir,omitempty" yaml:"dir,omitempty"`
	Addr       string        `koanf:"addr" json:"addr,omitempty" yaml:"addr,omitempty"`
	Prefix     string        `koanf:"prefix" json:"prefix,omitempty" yaml:"prefix,omitempty"`
	GCInterval time.Duration `koanf:"gc_interval" json:"gc_interval,omitempty" yaml:"gc_interval,omitempty"`
	TLS        bool          `koanf:"tls" json:"tls,omitempty" yaml:"tls,omitempty"`
	CAFile     string        `koanf:"ca_file" json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// MetricsSection configures the Prometheus endpoint of the daemon.
type MetricsSection struct {
	Addr string `koanf:"addr" json:"addr,omitempty" yaml:"addr,omitempty"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level" json:"level" yaml:"level"`
	Format string `koanf:"format" json:"format" yaml:"format"`
}
