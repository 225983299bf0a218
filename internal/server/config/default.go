package config

import "time"

// Default configuration values.
const (
	DefaultDataDir         = "/var/lib/offstore"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultCompression     = "s2"
	DefaultCipher          = "auto"
	DefaultMetricsAddr     = "127.0.0.1:9464"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default configuration. Mechanisms keep their own
// defaults, which enable only badger.
func Default() *Config {
	return &Config{
		Storage: StorageSection{
			DataDir:         DefaultDataDir,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Codec: CodecSection{
			Compression: DefaultCompression,
			Cipher:      DefaultCipher,
		},
		Mechanisms: map[string]MechanismConfig{},
		Metrics: MetricsSection{
			Addr: DefaultMetricsAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
