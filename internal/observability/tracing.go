package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/balena-io-experimental/audio"

// Tracer returns the tracer from the global provider. Without a configured
// provider spans are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRequestSpan opens a client span for one protocol request.
func StartRequestSpan(ctx context.Context, command string, tag uint32) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pulse."+command,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pulse.command", command),
			attribute.Int64("pulse.tag", int64(tag)),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
