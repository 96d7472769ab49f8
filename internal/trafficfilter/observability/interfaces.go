// Package observability defines logging, tracing, and metrics interfaces.
package observability

import (
	"context"
	"time"
)

// Logger provides structured logging hooks.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// NopLogger discards all log output.
type NopLogger struct{}

// Debug is a no-op.
func (NopLogger) Debug(msg string, fields map[string]any) {}

// Info is a no-op.
func (NopLogger) Info(msg string, fields map[string]any) {}

// Warn is a no-op.
func (NopLogger) Warn(msg string, fields map[string]any) {}

// Error is a no-op.
func (NopLogger) Error(msg string, fields map[string]any) {}

// Span captures tracing span operations.
type Span interface {
	SetAttribute(key, value string)
	RecordError(err error)
	End()
}

// Tracer is an optional tracing dependency.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Sampler decides if a trace should be sampled.
type Sampler interface {
	Sampled(traceID string) bool
}

// Metrics records engine measurements.
type Metrics interface {
	IncDecision(action string, mode string)
	ObserveResolve(d time.Duration)
	IncReload(result string)
	IncAnomaly(ruleType string)
	IncTelemetry(sink string, result string)
}

// NoopMetrics records nothing.
type NoopMetrics struct{}

// IncDecision is a no-op.
func (NoopMetrics) IncDecision(action string, mode string) {}

// ObserveResolve is a no-op.
func (NoopMetrics) ObserveResolve(d time.Duration) {}

// IncReload is a no-op.
func (NoopMetrics) IncReload(result string) {}

// IncAnomaly is a no-op.
func (NoopMetrics) IncAnomaly(ruleType string) {}

// IncTelemetry is a no-op.
func (NoopMetrics) IncTelemetry(sink string, result string) {}
