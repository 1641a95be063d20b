package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// buildCore tees stdout and OTEL cores and applies sampling.
func buildCore(opts Options, provider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core

	if opts.Stdout {
		cores = append(cores, zapcore.NewCore(encoderFor(opts.Format), zapcore.Lock(os.Stdout), opts.Level))
	}
	if opts.OTEL && provider != nil {
		cores = append(cores, otelzap.NewCore(opts.ServiceName, otelzap.WithLoggerProvider(provider)))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("no log output available")
	case 1:
		return sampled(cores[0], opts), nil
	default:
		return sampled(zapcore.NewTee(cores...), opts), nil
	}
}

func encoderFor(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// sampled samples entries below error; error and above always pass.
func sampled(core zapcore.Core, opts Options) zapcore.Core {
	if opts.SampleTick <= 0 {
		return core
	}
	errors := &levelRange{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	rest := &levelRange{Core: core, min: TraceLevel, max: zapcore.WarnLevel}
	return zapcore.NewTee(
		errors,
		zapcore.NewSamplerWithOptions(rest, opts.SampleTick, opts.SampleInitial, opts.SampleThereafter),
	)
}

// levelRange restricts a core to [min, max].
type levelRange struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRange) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRange) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRange) With(fields []zapcore.Field) zapcore.Core {
	return &levelRange{Core: c.Core.With(fields), min: c.min, max: c.max}
}
