package ygggo_odbc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/yggai/ygggo_odbc"
	instrumentationVersion = "v0.1.0"
)

// TelemetryConfig switches statement tracing.
type TelemetryConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// tracer resolves the global provider on every call so tests can swap it.
func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))
}

// EnableTelemetry turns statement spans on or off.
func (o *instrumentation) EnableTelemetry(enabled bool) {
	if o == nil { return }
	o.telemetryEnabled = enabled
}

// startSpan opens a ygggo_odbc.<operation> span carrying the db.* attributes.
func (o *instrumentation) startSpan(ctx context.Context, operation string, query string) (context.Context, trace.Span) {
	if o == nil || !o.telemetryEnabled {
		return ctx, trace.SpanFromContext(ctx)
	}

	spanName := fmt.Sprintf("ygggo_odbc.%s", operation)
	ctx, span := tracer().Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))

	span.SetAttributes(
		attribute.String("db.system", o.system),
		attribute.String("db.operation", operation),
	)
	if query != "" {
		span.SetAttributes(attribute.String("db.statement", query))
	}
	return ctx, span
}

// finishSpan records err, if any, and ends the span.
func (o *instrumentation) finishSpan(span trace.Span, err error) {
	if o == nil || !o.telemetryEnabled || span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
