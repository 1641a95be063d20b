package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/config"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug for wire-level detail.
const TraceLevel = zapcore.Level(-2)

// Options controls logger construction.
type Options struct {
	Level       zapcore.Level
	Format      string // json or console
	ServiceName string
	Stdout      bool
	OTEL        bool

	// SampleTick is the sampling window; zero disables sampling.
	SampleTick       time.Duration
	SampleInitial    int
	SampleThereafter int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Level:            zapcore.InfoLevel,
		Format:           "json",
		ServiceName:      "insightd",
		Stdout:           true,
		SampleTick:       time.Second,
		SampleInitial:    100,
		SampleThereafter: 10,
	}
}

// OptionsFromConfig maps the application config onto logger options.
// OTEL output is enabled together with telemetry.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()

	level, err := LevelFromString(cfg.Logging.Level)
	if err != nil {
		return opts, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	opts.Level = level
	opts.Format = strings.ToLower(cfg.Logging.Format)
	opts.ServiceName = cfg.Observability.ServiceName
	opts.OTEL = cfg.Observability.EnableTelemetry
	return opts, nil
}

// Validate checks options for errors.
func (o Options) Validate() error {
	if o.Format != "json" && o.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", o.Format)
	}
	if !o.Stdout && !o.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if o.SampleTick < 0 {
		return fmt.Errorf("sample tick cannot be negative")
	}
	return nil
}

// LevelFromString parses a level name, accepting "trace".
func LevelFromString(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "trace") {
		return TraceLevel, nil
	}
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
