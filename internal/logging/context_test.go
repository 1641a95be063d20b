package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func fieldMap(fields []zap.Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = f.String
	}
	return m
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Correlation(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTeam(ctx, "payments")
	ctx = WithAuthor(ctx, "alice")

	m := fieldMap(ContextFields(ctx))
	assert.Equal(t, "req-1", m["request.id"])
	assert.Equal(t, "payments", m["team.id"])
	assert.Equal(t, "alice", m["author"])
	assert.NotContains(t, m, "trace_id")
}

func TestContextFields_OTELTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.Tracer("test").Start(context.Background(), "ingest")
	defer span.End()

	m := fieldMap(ContextFields(ctx))
	assert.Equal(t, span.SpanContext().TraceID().String(), m["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), m["span_id"])
}

func TestWithString_EmptyAndLong(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, WithTeam(ctx, ""), "empty value should leave context untouched")

	long := strings.Repeat("x", 300)
	got := RequestIDFromContext(WithRequestID(ctx, long))
	assert.Len(t, got, maxFieldLen)
}

func TestFromContext(t *testing.T) {
	nop := FromContext(context.Background())
	require.NotNil(t, nop)
	assert.False(t, nop.Enabled(TraceLevel))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "stored logger")
	tl.AssertLogged(t, zap.InfoLevel, "stored logger")
}
