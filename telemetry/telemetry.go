// Package telemetry provides the Logger/Metrics/Tracer interfaces used
// throughout the dispatcher, transport and broadcast bus, adapted from the
// corpus's runtime/agent/telemetry package (same interface shape, clue- and
// OTEL-backed implementation, no-op implementation for tests).
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger emits structured, leveled log messages. Every call takes a
// context (for trace correlation) and a message, followed by alternating
// key/value pairs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records counters, timers and gauges.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, d time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer starts and retrieves spans.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is a single unit of tracing work.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, keyvals ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
