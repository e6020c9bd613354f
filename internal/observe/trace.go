package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nimbusiq/nimbus"

// Span attributes shared by gateway, relay and studio spans.
const (
	PanelKey   = attribute.Key("nimbus.panel")
	SessionKey = attribute.Key("nimbus.session_id")
	ModelKey   = attribute.Key("nimbus.model")
)

// StartSpan opens a span on the global tracer provider. End it when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// SessionSpan opens a span for work done on behalf of one relay session.
func SessionSpan(ctx context.Context, name, panel, sessionID, model string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{PanelKey.String(panel), SessionKey.String(sessionID)}
	if model != "" {
		attrs = append(attrs, ModelKey.String(model))
	}
	return StartSpan(ctx, name, trace.WithAttributes(attrs...))
}

// CorrelationID is the trace ID carried by ctx, or "" outside a trace. The
// gateway echoes it in X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is the default logger with trace_id and span_id attached when ctx
// carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// SpanError marks span failed with err. Nil is ignored.
func SpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
