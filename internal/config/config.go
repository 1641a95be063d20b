// Package config provides configuration loading for insightd.
//
// Configuration is assembled from defaults, an optional YAML file and
// INSIGHTD_* environment variables (see LoadWithFile).
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete insightd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Insights      InsightsConfig      `koanf:"insights"`
	Sweep         SweepConfig         `koanf:"sweep"`
	Events        EventsConfig        `koanf:"events"`
	Bridge        BridgeConfig        `koanf:"bridge"`
	Intake        IntakeConfig        `koanf:"intake"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds SQLite configuration.
type StorageConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	Insecure        bool   `koanf:"insecure"`
}

// InsightsConfig holds the versioned engine rules. Every change to a
// threshold, boost or window must be accompanied by a new Version.
type InsightsConfig struct {
	Version             string        `koanf:"version"`
	P0Threshold         float64       `koanf:"p0_threshold"`
	P1Threshold         float64       `koanf:"p1_threshold"`
	P2Threshold         float64       `koanf:"p2_threshold"`
	HysteresisBuffer    float64       `koanf:"hysteresis_buffer"`
	CriticalBoost       float64       `koanf:"critical_boost"`
	HighBoost           float64       `koanf:"high_boost"`
	VolumeStep          float64       `koanf:"volume_step"`
	VolumeCap           float64       `koanf:"volume_cap"`
	AuthorThreshold     int           `koanf:"author_threshold"`
	QualityMinChars     int           `koanf:"quality_min_chars"`
	QualityMinFields    int           `koanf:"quality_min_fields"`
	CooldownWindow      time.Duration `koanf:"cooldown_window"`
	ReopenCap           int           `koanf:"reopen_cap"`
	ReopenWindow        time.Duration `koanf:"reopen_window"`
	RecurringMembership int           `koanf:"recurring_membership"`
	AutoPromote         *bool         `koanf:"auto_promote"`
}

// SweepConfig controls the periodic cooldown sweep.
type SweepConfig struct {
	Enabled  *bool         `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// EventsConfig controls lifecycle event delivery.
type EventsConfig struct {
	NATSEnabled   bool   `koanf:"nats_enabled"`
	NATSURL       string `koanf:"nats_url"`
	NATSToken     Secret `koanf:"nats_token"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// BridgeConfig controls the task bridge.
type BridgeConfig struct {
	Enabled bool `koanf:"enabled"`
}

// IntakeConfig throttles reflection intake over HTTP.
type IntakeConfig struct {
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// SecretsConfig controls scrubbing of reflection text copied into insights.
type SecretsConfig struct {
	ScrubEnabled *bool `koanf:"scrub_enabled"`
}

// AutoPromoteEnabled reports the effective auto_promote setting (default true).
func (c InsightsConfig) AutoPromoteEnabled() bool {
	return c.AutoPromote == nil || *c.AutoPromote
}

// IsEnabled reports whether the sweeper should run (default true).
func (c SweepConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsEnabled reports whether scrubbing is active (default true).
func (c SecretsConfig) IsEnabled() bool {
	return c.ScrubEnabled == nil || *c.ScrubEnabled
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Service name is empty (when telemetry is enabled)
//   - Engine rules are inconsistent (empty version, unordered thresholds, non-positive windows)
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Storage.Path == "" {
		return errors.New("storage path is required")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if err := c.Insights.validate(); err != nil {
		return fmt.Errorf("insights: %w", err)
	}

	if c.Sweep.IsEnabled() && c.Sweep.Interval <= 0 {
		return errors.New("sweep interval must be positive when sweep is enabled")
	}

	if c.Events.NATSEnabled && c.Events.NATSURL == "" {
		return errors.New("events.nats_url is required when NATS is enabled")
	}

	if c.Intake.RateLimit < 0 || c.Intake.Burst < 0 {
		return errors.New("intake rate_limit and burst cannot be negative")
	}

	return nil
}

func (c InsightsConfig) validate() error {
	if c.Version == "" {
		return errors.New("version is required")
	}
	if !(c.P0Threshold > c.P1Threshold && c.P1Threshold > c.P2Threshold && c.P2Threshold > 0) {
		return fmt.Errorf("thresholds must satisfy p0 > p1 > p2 > 0, got %.2f/%.2f/%.2f",
			c.P0Threshold, c.P1Threshold, c.P2Threshold)
	}
	if c.HysteresisBuffer < 0 {
		return errors.New("hysteresis_buffer cannot be negative")
	}
	if c.AuthorThreshold < 1 {
		return errors.New("author_threshold must be >= 1")
	}
	if c.QualityMinFields < 1 || c.QualityMinFields > 4 {
		return fmt.Errorf("quality_min_fields must be 1-4, got %d", c.QualityMinFields)
	}
	if c.CooldownWindow <= 0 || c.ReopenWindow <= 0 {
		return errors.New("cooldown_window and reopen_window must be positive")
	}
	if c.ReopenCap < 0 {
		return errors.New("reopen_cap cannot be negative")
	}
	return nil
}
