package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyPodDefaults(cfg)
	applyIndexCacheDefaults(&cfg.IndexCache)

	cfg.Metastore.ApplyDefaults()
	cfg.S3.ApplyDefaults()
	cfg.Packer.ApplyDefaults()
	cfg.Recovery.ApplyDefaults()
	cfg.Ops.ApplyDefaults()
	for i := range cfg.Sources {
		cfg.Sources[i].ApplyDefaults()
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)

	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
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

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyPodDefaults sets the pod identity defaults.
// On Kubernetes the hostname is the pod name, which is exactly the owner
// string the lease table wants. StatefulSet pod names end in "-<ordinal>",
// so the shard assignment can usually be derived rather than configured.
func applyPodDefaults(cfg *Config) {
	if cfg.PodName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.PodName = host
		} else {
			cfg.PodName = "easystore"
		}
	}
	if cfg.PodCount == 0 {
		cfg.PodCount = 1
	}
	if cfg.PodOrdinal == 0 {
		if idx := strings.LastIndex(cfg.PodName, "-"); idx >= 0 {
			if n, err := strconv.Atoi(cfg.PodName[idx+1:]); err == nil && n >= 0 && n < cfg.PodCount {
				cfg.PodOrdinal = n
			}
		}
	}
}

// applyIndexCacheDefaults sets index cache defaults.
func applyIndexCacheDefaults(cfg *IndexCacheConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1024
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
