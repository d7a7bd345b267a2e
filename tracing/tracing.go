package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attrs is a convenience map for building span attributes, mirroring the
// lager.Data idiom used for log fields.
type Attrs map[string]string

// tracerName is the instrumentation name registered with the global
// TracerProvider. Call otel.SetTracerProvider during startup to route
// these spans to a real exporter (ConfigureMeterProvider sets only the
// MeterProvider); with no provider configured, otel's no-op tracer is
// used and StartSpan/End are cheap no-ops.
const tracerName = "github.com/podfleet/fleet"

// StartSpan starts a new span named name as a child of any span already in
// ctx, with the given attributes attached. Callers must call End on the
// returned span when the operation completes.
func StartSpan(ctx context.Context, name string, attrs Attrs) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)

	opts := make([]trace.SpanStartOption, 0, 1)
	if len(attrs) > 0 {
		kvs := make([]attribute.KeyValue, 0, len(attrs))
		for k, v := range attrs {
			kvs = append(kvs, attribute.String(k, v))
		}
		opts = append(opts, trace.WithAttributes(kvs...))
	}

	return tracer.Start(ctx, name, opts...)
}

// End records err (if any) on span and ends it. Pass the named error
// variable captured by the caller's defer so a later assignment inside the
// function body is still reflected when End runs.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
