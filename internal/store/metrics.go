package store

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const storeInstrumentationName = "github.com/fyrsmithlabs/insightd/internal/store"

// Metrics holds the store's OpenTelemetry instruments.
type Metrics struct {
	meter      metric.Meter
	logger     *zap.Logger
	duration   metric.Float64Histogram
	errors     metric.Int64Counter
	contention metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(storeInstrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"insightd.store.transaction_duration_seconds",
		metric.WithDescription("Duration of store write transactions in seconds, including the wait for the write lock, labeled by operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"insightd.store.errors_total",
		metric.WithDescription("Failed store write transactions by operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.contention, err = m.meter.Int64Counter(
		"insightd.store.contention_total",
		metric.WithDescription("Write transactions that timed out waiting for the database lock. Sustained growth means busy_timeout is too low for the write load."),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		m.logger.Warn("failed to create contention counter", zap.Error(err))
	}
}

func (m *Metrics) record(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", op))
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if err == nil {
		return
	}
	if m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
	if m.contention != nil && errors.Is(err, insight.ErrContention) {
		m.contention.Add(ctx, 1, attrs)
	}
}
