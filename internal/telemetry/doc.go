// Package telemetry configures OpenTelemetry tracing and metrics for insightd.
//
// Telemetry is off by default. When enabled it exports over OTLP (gRPC by
// default, or http/protobuf) and installs W3C trace-context propagation.
// Exporter failures degrade to the global no-op providers instead of
// failing startup.
//
// Engine code obtains instruments through Tracer and Meter; tests use
// NewTestTelemetry to record spans and read metrics in memory.
package telemetry
