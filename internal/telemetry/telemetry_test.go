package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/insightd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.Nil(t, tel.LoggerProvider())
	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Protocol = "thrift"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.SampleRate = 1.5
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Endpoint = ""
	assert.Error(t, bad.Validate())
}

func TestFromAppConfig(t *testing.T) {
	app := config.Default()
	app.Observability.EnableTelemetry = true
	app.Observability.Endpoint = "otel.internal:4318"
	app.Observability.Protocol = "http/protobuf"

	cfg := FromAppConfig(app, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure, "remote endpoint should default to TLS")

	app.Observability.Endpoint = "127.0.0.1:4317"
	assert.True(t, FromAppConfig(app, "").Insecure)
}

func TestIsLocal(t *testing.T) {
	assert.True(t, isLocal("localhost:4317"))
	assert.True(t, isLocal("http://127.0.0.1:4318"))
	assert.True(t, isLocal("[::1]:4317"))
	assert.False(t, isLocal("collector.example.com:4317"))
}

func TestTestTelemetry_Records(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "insight.ingest")
	span.End()
	tt.AssertSpanExists(t, "insight.ingest")

	counter, err := tt.Meter("test").Int64Counter("insightd.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 2)
	counter.Add(ctx, 3)
	assert.Equal(t, int64(5), tt.CounterValue(t, "insightd.test.count"))
}
