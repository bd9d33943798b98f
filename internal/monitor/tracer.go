package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "stopgap-plts"

// Tracer wraps OpenTelemetry tracing for the language runtime.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("plts.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for call tracing.
var (
	AttrExecID       = attribute.Key("plts.execution.id")
	AttrFunctionOID  = attribute.Key("plts.function.oid")
	AttrFunctionName = attribute.Key("plts.function.name")
	AttrArtifactHash = attribute.Key("plts.artifact.hash")
	AttrDurationMS   = attribute.Key("plts.duration_ms")
)
