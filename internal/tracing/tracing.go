// Package tracing wires up the process-wide otel TracerProvider dispatchd
// hands every command pool: a per-task span for every dispatched command.
// Export is opt-in — without an OTLP endpoint configured, spans exist only
// in-process.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the tracer provider. Always safe to call,
// even when no exporter was configured.
type Shutdown func(context.Context) error

// Init builds and installs the global TracerProvider. When endpoint is
// empty, spans are created (so every dispatch.Pool call site still gets a
// real trace.Tracer and span timing) but never exported — there is
// nowhere configured to send them, matching the documented "empty disables
// export" contract for --otel-endpoint/P01_OTEL_ENDPOINT.
func Init(ctx context.Context, serviceName, endpoint string) (trace.Tracer, Shutdown, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("tracing: create otlp grpc exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(2*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Tracer("dispatchd"), tp.Shutdown, nil
}
