package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CallIDKey is the span attribute naming the provider call a span works on.
const CallIDKey = attribute.Key("callrelay.call_id")

// tracerName is the instrumentation scope name for the callrelay tracer.
const tracerName = "github.com/MrWong99/callrelay"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// CallLogger is [Logger] with a call_id attribute attached.
func CallLogger(ctx context.Context, callID string) *slog.Logger {
	return Logger(ctx).With(slog.String("call_id", callID))
}

// StartCallSpan starts an internal span for work on callID and returns it
// together with a [CallLogger] bound to the new span. Extra attributes are
// added to the span only.
func StartCallSpan(ctx context.Context, name, callID string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *slog.Logger) {
	attrs = append([]attribute.KeyValue{CallIDKey.String(callID)}, attrs...)
	ctx, span := StartSpan(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span, CallLogger(ctx, callID)
}
