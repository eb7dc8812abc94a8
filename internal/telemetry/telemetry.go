// Package telemetry provides logging, metrics, and tracing interfaces for
// ARW, with a Clue + OpenTelemetry implementation and a no-op one. No other
// package in this module imports it: the components take no telemetry
// handles and record no spans or metrics through these interfaces, and
// cmd/arwd logs through goa.design/clue/log directly.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging. Implementations typically delegate to
// Clue but the interface stays small so tests can supply lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so components stay agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Handles bundles the three telemetry ports into a single value. Copying a
// Handles copies the interface values, so every copy shares the same
// underlying logger, metrics recorder, and tracer.
type Handles struct {
	Log     Logger
	Metrics Metrics
	Tracer  Tracer
}

// Noop returns a Handles whose members discard everything. Useful for tests
// and for components that don't need telemetry wired in.
func Noop() Handles {
	return Handles{Log: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}
