// Package tracing owns the process tracer provider. Spans are exported over
// OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise every tracer
// is a no-op.
package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	mu          sync.Mutex
	initialized bool
	serviceName = "litepool"
	provider    trace.TracerProvider = noop.NewTracerProvider()
	shutdown    func(context.Context) error
)

// SetServiceName sets the service.name resource attribute. It has no
// effect once the provider exists.
func SetServiceName(name string) {
	mu.Lock()
	defer mu.Unlock()
	if name != "" && !initialized {
		serviceName = name
	}
}

// UseProvider installs tp instead of the environment-configured provider.
func UseProvider(tp trace.TracerProvider) {
	mu.Lock()
	defer mu.Unlock()
	provider, initialized, shutdown = tp, true, nil
}

func initLocked() {
	initialized = true
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	provider, shutdown = tp, tp.Shutdown
	otel.SetTracerProvider(tp)
}

// Tracer returns a named tracer from the process provider.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		initLocked()
	}
	return provider.Tracer(name)
}

// Shutdown flushes and stops the exporter, if one was started.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fn := shutdown
	shutdown = nil
	mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartPoolSpan starts a span named "db.<op>" for an operation on pool.
func StartPoolSpan(ctx context.Context, tracer trace.Tracer, op, pool string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("db.pool", pool),
			attribute.String("db.operation", op),
		))
}
