// Package logging wraps zap with context-aware helpers for insightd.
//
// Every log call takes a context.Context; correlation fields carried by
// the context (OpenTelemetry trace/span IDs, request ID, team, author)
// are attached automatically:
//
//	ctx = logging.WithRequestID(ctx, reqID)
//	ctx = logging.WithTeam(ctx, reflection.TeamID)
//	log.Info(ctx, "reflection ingested", zap.String("insight.id", id))
//
// Services that do not need context helpers take the *zap.Logger returned
// by Underlying and log through it directly.
//
// Output goes to stdout (JSON or console encoder) and, when an OTEL
// LoggerProvider is supplied, to the OpenTelemetry logs pipeline via the
// otelzap bridge. Below-error entries are sampled; errors never are.
//
// Tests use NewTestLogger, which records entries in memory.
package logging
