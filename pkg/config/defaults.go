package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/cerver/internal/bufpool"
	"github.com/marmos91/cerver/pkg/packet"
	"github.com/marmos91/cerver/pkg/server"
	"github.com/mitchellh/mapstructure"
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
	applyServerDefaults(&cfg.Server)
	applyCerverDefaults(&cfg.Cerver, cfg.Server.ShutdownTimeout)

	if cfg.Users == nil {
		cfg.Users = make(map[string]string)
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

	if cfg.Rotation.MaxSize == 0 {
		cfg.Rotation.MaxSize = 100 // MB
	}
	if cfg.Rotation.MaxBackups == 0 {
		cfg.Rotation.MaxBackups = 3
	}
	if cfg.Rotation.MaxAge == 0 {
		cfg.Rotation.MaxAge = 28 // days
	}
}

// applyServerDefaults sets process-wide defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyCerverDefaults sets cerver defaults. They match what server.New
// applies, so that generated config files show every value.
func applyCerverDefaults(cfg *server.Config, shutdown time.Duration) {
	if cfg.Name == "" {
		cfg.Name = "cerver"
	}
	if cfg.Port == 0 {
		cfg.Port = 7000
	}
	if cfg.ReceiveBufferSize == 0 {
		cfg.ReceiveBufferSize = bufpool.SmallSize
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = packet.DefaultMaxPacketSize
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = shutdown
	}

	if cfg.Tables.Main == 0 {
		cfg.Tables.Main = 64
	}
	if cfg.Tables.OnHold == 0 {
		cfg.Tables.OnHold = 32
	}
	if cfg.Tables.Admin == 0 {
		cfg.Tables.Admin = 8
	}

	if cfg.Auth.MaxTries == 0 {
		cfg.Auth.MaxTries = 3
	}
	if cfg.Auth.MaxBadPackets == 0 {
		cfg.Auth.MaxBadPackets = 4
	}
	if cfg.Auth.Timeout == 0 {
		cfg.Auth.Timeout = 10 * time.Second
	}

	if cfg.Workers.Count > 0 && cfg.Workers.QueueSize == 0 {
		cfg.Workers.QueueSize = 64
	}
	if cfg.Inactive.CheckInterval == 0 {
		cfg.Inactive.CheckInterval = 30 * time.Second
	}
	if cfg.Admin.Users == nil {
		cfg.Admin.Users = []string{}
	}

	// MetricsLogInterval 0 disables periodic stats logging
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Cerver: server.Config{
			Welcome:            "Welcome to cerver",
			ProtocolID:         0x0CE,
			ProtocolVersion:    1,
			MetricsLogInterval: 5 * time.Minute,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

// defaultsMap returns the default configuration as nested maps keyed by
// mapstructure tags, with durations rendered as strings.
func defaultsMap() (map[string]any, error) {
	return toMap(GetDefaultConfig())
}

// toMap converts cfg to nested maps keyed by mapstructure tags.
func toMap(cfg *Config) (map[string]any, error) {
	var out map[string]any
	if err := mapstructure.Decode(cfg, &out); err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	return normalize(out).(map[string]any), nil
}

// normalize rewrites values that do not survive a YAML round trip as-is.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			val[k] = normalize(nested)
		}
		return val
	case time.Duration:
		return val.String()
	case []string:
		if val == nil {
			return []string{}
		}
		return val
	default:
		return v
	}
}
