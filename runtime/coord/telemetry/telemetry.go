// Package telemetry defines the logging, metrics, and tracing seams used by
// the coordinator. Production deployments use the Clue/OTEL implementations;
// tests use the noops. Keeping these behind interfaces lets dispatch record
// counters and spans without binding the core to a telemetry vendor.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records with alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for coordinator operations.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans around entry points and dispatch batches.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the subset of span operations the coordinator uses.
	Span interface {
		End(opts ...trace.SpanEndOption)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the dispatcher.
const (
	MetricTokensCreated    = "loom.tokens.created"
	MetricTasksDispatched  = "loom.tasks.dispatched"
	MetricDecisionsApplied = "loom.decisions.applied"
	MetricDispatchDuration = "loom.dispatch.duration"
)
