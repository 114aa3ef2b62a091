// Package telemetry provides the ambient logging, metrics, and tracing
// interfaces used throughout the gateway. Components depend on these small
// interfaces rather than a concrete logging or OTEL backend so that tests can
// substitute lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured, leveled logging.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for gateway instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so gateway code stays agnostic of the
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

// Provider bundles the three ambient concerns so components take a single
// constructor argument instead of three.
type Provider struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// CallTelemetry captures observability data collected while dispatching a
// single tools/call or executing a script.
type CallTelemetry struct {
	// DurationMs is the wall-clock time spent, in milliseconds.
	DurationMs int64
	// Provider identifies which upstream or runtime served the call.
	Provider string
	// Extra holds call-specific metadata (transport kind, exit code, ...).
	Extra map[string]any
}
