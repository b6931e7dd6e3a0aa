package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/coyote/pkg/processor"
)

// Config represents the Coyote server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (COYOTE_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Connector configures the TCP endpoint and its connection handler
	Connector ConnectorConfig `mapstructure:"connector" yaml:"connector"`

	// Digest configures HTTP Digest authentication for the status API
	Digest DigestConfig `mapstructure:"digest" yaml:"digest"`

	// API configures the HTTP status API
	API APIConfig `mapstructure:"api" yaml:"api"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection to the collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" validate:"dive,oneof=cpu alloc_objects alloc_space inuse_objects inuse_space goroutines mutex_count mutex_duration block_count block_duration" yaml:"profile_types"`
}

// MetricsConfig configures Prometheus metrics.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled.
	// Metrics are served by the API server on /metrics.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ConnectorConfig configures the TCP endpoint.
type ConnectorConfig struct {
	// BindAddress is the address to listen on
	// Default: "0.0.0.0"
	BindAddress string `mapstructure:"bind_address" validate:"required" yaml:"bind_address"`

	// Port is the TCP port to listen on
	// Default: 7070
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// Protocol selects the connection handler
	// Valid values: line
	Protocol string `mapstructure:"protocol" validate:"required,oneof=line" yaml:"protocol"`

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// ProcessorCache is the number of idle processors kept for reuse
	// (-1 = unlimited, 0 = no caching)
	// Default: 200
	ProcessorCache int `mapstructure:"processor_cache" validate:"min=-1" yaml:"processor_cache"`

	// AsyncTimeout is the default timeout of an async request
	// Default: 30s
	AsyncTimeout time.Duration `mapstructure:"async_timeout" validate:"gt=0" yaml:"async_timeout"`

	// TimeoutScanInterval is how often waiting processors are checked for
	// expired async requests
	// Default: 1s
	TimeoutScanInterval time.Duration `mapstructure:"timeout_scan_interval" validate:"gt=0" yaml:"timeout_scan_interval"`

	// ExecutorSize bounds the goroutines running async application tasks
	// Default: 200
	ExecutorSize int `mapstructure:"executor_size" validate:"gt=0" yaml:"executor_size"`

	// IdleTimeout closes connections that stay idle between requests
	// (0 = no timeout)
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0" yaml:"idle_timeout"`

	// ShutdownTimeout bounds how long live connections may drain on stop
	// Default: 10s
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// DigestConfig configures HTTP Digest authentication.
type DigestConfig struct {
	// Realm is the protection space announced in challenges
	// Default: "coyote"
	Realm string `mapstructure:"realm" validate:"required" yaml:"realm"`

	// Key is the secret mixed into nonces. A random key is generated at
	// startup when empty.
	Key string `mapstructure:"key" yaml:"key,omitempty"`

	// Opaque is echoed back by clients. Random when empty.
	Opaque string `mapstructure:"opaque" yaml:"opaque,omitempty"`

	// NonceCacheSize is the number of outstanding nonces remembered
	// Default: 1000
	NonceCacheSize int `mapstructure:"nonce_cache_size" validate:"gt=0" yaml:"nonce_cache_size"`

	// WindowSize is the per-nonce replay window size
	// Default: 100
	WindowSize int `mapstructure:"window_size" validate:"gt=0" yaml:"window_size"`

	// NonceValidity is how long a nonce may be used after it was issued
	// Default: 5m
	NonceValidity time.Duration `mapstructure:"nonce_validity" validate:"gt=0" yaml:"nonce_validity"`

	// SkipURIValidation disables matching the digest uri against the request target
	SkipURIValidation bool `mapstructure:"skip_uri_validation" yaml:"skip_uri_validation"`

	// Users maps usernames to passwords
	Users map[string]string `mapstructure:"users" validate:"dive,keys,required,endkeys,required" yaml:"users,omitempty"`
}

// APIConfig configures the HTTP status API.
type APIConfig struct {
	// Enabled controls whether the API server runs
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port
	// Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading a request
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration for writing a response
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle timeout
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// RequireAuth protects /status with Digest authentication
	RequireAuth bool `mapstructure:"require_auth" yaml:"require_auth"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (COYOTE_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  coyote init\n\n"+
				"Or specify a custom config file:\n"+
				"  coyote <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  coyote init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold digest passwords and the nonce key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: COYOTE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("COYOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults whose zero value is meaningful cannot go through ApplyDefaults.
	v.SetDefault("connector.processor_cache", processor.DefaultPoolSize)
	v.SetDefault("api.enabled", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationDecodeHook converts strings like "30s", "5m" or "1h" and raw
// integers (nanoseconds) to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/coyote, ~/.config/coyote, or "."
// when the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "coyote")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "coyote")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
