// Package config loads and validates the daemon configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CIRRUS_*)
//  2. Configuration file (YAML, under $XDG_CONFIG_HOME/cirrus)
//  3. Legacy environment contract (PROVIDER_TIMEOUT_MS, PROVIDER_ROOT)
//  4. Default values
//
// Backend configuration follows the store pattern: the Provider section
// names a backend type and carries one type-specific subsection, decoded by
// the matching factory in factory.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the bus-facing daemon settings.
	Server ServerConfig `mapstructure:"server"`

	// Provider selects and configures the storage backend.
	Provider ProviderConfig `mapstructure:"provider"`

	// Metrics controls the optional Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output is where logs are written: stderr, stdout, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains the bus-facing daemon settings.
type ServerConfig struct {
	// BusName is the well-known name claimed on the session bus.
	BusName string `mapstructure:"bus_name" validate:"required"`

	// ServiceID selects the online accounts this daemon serves. Empty
	// runs a single fixed provider without account integration.
	ServiceID string `mapstructure:"service_id"`

	// IdleTimeout shuts the daemon down after this long with no
	// activity. Zero or negative disables idle shutdown.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// ProviderConfig selects the backend type and its settings. Only the
// subsection matching Type is used.
type ProviderConfig struct {
	// Type is the backend implementation.
	// Valid values: local, memory, vault, s3.
	Type string `mapstructure:"type" validate:"required,oneof=local memory vault s3"`

	// Local configures the local-filesystem backend.
	Local map[string]any `mapstructure:"local"`

	// Memory configures the in-memory backend.
	Memory map[string]any `mapstructure:"memory"`

	// Vault configures the badger-backed backend.
	Vault map[string]any `mapstructure:"vault"`

	// S3 configures the S3 backend.
	S3 map[string]any `mapstructure:"s3"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled switches metrics collection on.
	Enabled bool `mapstructure:"enabled"`

	// Listen is the address the /metrics endpoint binds to.
	Listen string `mapstructure:"listen"`
}

// Load reads, defaults, and validates the configuration. An empty
// configPath uses the default location; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Example: CIRRUS_SERVER_BUS_NAME overrides server.bus_name.
	v.SetEnvPrefix("CIRRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is acceptable; defaults apply.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cirrus")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cirrus")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
