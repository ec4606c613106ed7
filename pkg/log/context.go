package log

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey struct{}

var loggerContextKey = contextKey{}

// SetContextLogger attaches the provided logger to the context.
// If the context carries a valid OpenTelemetry span, the logger is
// wrapped with a SpanLogger so log lines land on the span as events.
// A nil logger is replaced with a NoopLogger.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	if lg == nil {
		lg = NewNoopLogger()
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return context.WithValue(ctx, loggerContextKey, lg)
	}

	ser := NewOtelSpanEventRecorder(span)
	lg = NewSpanLogger(lg, ser)

	return context.WithValue(ctx, loggerContextKey, lg)
}

// FromContext retrieves the logger stored in the context, or a
// NoopLogger when none is present.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey).(Logger); ok {
		return l
	}
	return NewNoopLogger()
}
