package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	requestKey struct{}
	teamKey    struct{}
	authorKey  struct{}
	loggerKey  struct{}
)

const maxFieldLen = 128

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	if v := stringValue(ctx, teamKey{}); v != "" {
		fields = append(fields, zap.String("team.id", v))
	}
	if v := stringValue(ctx, authorKey{}); v != "" {
		fields = append(fields, zap.String("author", v))
	}
	return fields
}

// WithRequestID adds a request ID. Empty values leave ctx unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestKey{}, id)
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestKey{})
}

// WithTeam adds the submitting team.
func WithTeam(ctx context.Context, teamID string) context.Context {
	return withString(ctx, teamKey{}, teamID)
}

// WithAuthor adds the reflection author.
func WithAuthor(ctx context.Context, author string) context.Context {
	return withString(ctx, authorKey{}, author)
}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the stored logger or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}

func withString(ctx context.Context, key any, v string) context.Context {
	if v == "" {
		return ctx
	}
	if len(v) > maxFieldLen {
		v = v[:maxFieldLen]
	}
	return context.WithValue(ctx, key, v)
}

func stringValue(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}
