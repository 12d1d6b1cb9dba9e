package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Default values applied when neither the config file nor the environment
// sets a field.
const (
	DefaultLogLevel    = "INFO"
	DefaultLogOutput   = "stderr"
	DefaultBusName     = "io.cirrusfs.provider.Local"
	DefaultIdleTimeout = time.Duration(0) // idle shutdown disabled
	DefaultMetricsAddr = "127.0.0.1:2112"
)

// Legacy environment variables honoured for compatibility with existing
// deployments. They are external contracts and keep their historical names.
const (
	// EnvProviderTimeoutMS sets the idle window in milliseconds. Absent
	// or non-positive disables idle shutdown.
	EnvProviderTimeoutMS = "PROVIDER_TIMEOUT_MS"

	// EnvProviderRoot points the local backend at a root directory.
	EnvProviderRoot = "PROVIDER_ROOT"
)

// ApplyDefaults fills in missing values and folds in the legacy
// environment contract. It normalizes the log level to uppercase.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}

	if cfg.Server.BusName == "" {
		cfg.Server.BusName = DefaultBusName
	}
	if cfg.Server.IdleTimeout == 0 {
		if ms, ok := legacyTimeout(); ok {
			cfg.Server.IdleTimeout = ms
		} else {
			cfg.Server.IdleTimeout = DefaultIdleTimeout
		}
	}

	if cfg.Provider.Type == "" {
		cfg.Provider.Type = "local"
	}
	if cfg.Provider.Type == "local" {
		if cfg.Provider.Local == nil {
			cfg.Provider.Local = map[string]any{}
		}
		if _, ok := cfg.Provider.Local["root"]; !ok {
			if root := os.Getenv(EnvProviderRoot); root != "" {
				cfg.Provider.Local["root"] = root
			}
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsAddr
	}
}

// legacyTimeout parses PROVIDER_TIMEOUT_MS. A non-positive value means
// "disable idle shutdown", expressed as a negative duration so
// ApplyDefaults does not replace it with the default.
func legacyTimeout() (time.Duration, bool) {
	raw := os.Getenv(EnvProviderTimeoutMS)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	if ms <= 0 {
		return -1, true
	}
	return time.Duration(ms) * time.Millisecond, true
}
