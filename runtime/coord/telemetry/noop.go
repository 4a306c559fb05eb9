package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards all log records.
	NoopLogger struct{}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}

	// NoopTracer produces spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger constructs a Logger that discards everything.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer constructs a Tracer whose spans record nothing.
func NewNoopTracer() Tracer { return NoopTracer{} }

// Debug discards the record.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the record.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the record.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the record.
func (NoopLogger) Error(context.Context, string, ...any) {}

// IncCounter discards the metric.
func (NoopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer discards the metric.
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}

// Start returns a no-op span.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

// End is a no-op.
func (noopSpan) End(...trace.SpanEndOption) {}

// RecordError is a no-op.
func (noopSpan) RecordError(error, ...trace.EventOption) {}
