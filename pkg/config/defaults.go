package config

import (
	"strings"
	"time"

	"github.com/marmos91/coyote/pkg/digest"
	"github.com/marmos91/coyote/pkg/executor"
	"github.com/marmos91/coyote/pkg/processor"
)

// Default connector values.
const (
	DefaultPort                = 7070
	DefaultAPIPort             = 8080
	DefaultAsyncTimeout        = 30 * time.Second
	DefaultConnShutdownTimeout = 10 * time.Second
	DefaultRealm               = "coyote"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", false, nil) are replaced with defaults; explicit
// values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyConnectorDefaults(&cfg.Connector)
	applyDigestDefaults(&cfg.Digest)
	applyAPIDefaults(&cfg.API)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyConnectorDefaults sets connector defaults. ProcessorCache is not
// touched: 0 means no caching and its default comes from Load.
func applyConnectorDefaults(cfg *ConnectorConfig) {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "line"
	}
	if cfg.AsyncTimeout == 0 {
		cfg.AsyncTimeout = DefaultAsyncTimeout
	}
	if cfg.TimeoutScanInterval == 0 {
		cfg.TimeoutScanInterval = time.Second
	}
	if cfg.ExecutorSize == 0 {
		cfg.ExecutorSize = executor.DefaultSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultConnShutdownTimeout
	}
}

func applyDigestDefaults(cfg *DigestConfig) {
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	if cfg.NonceCacheSize == 0 {
		cfg.NonceCacheSize = digest.DefaultCacheSize
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = digest.DefaultWindowSize
	}
	if cfg.NonceValidity == 0 {
		cfg.NonceValidity = digest.DefaultValidity
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultAPIPort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Connector: ConnectorConfig{
			ProcessorCache: processor.DefaultPoolSize,
		},
		API: APIConfig{
			Enabled: true,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
