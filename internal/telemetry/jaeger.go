package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

/*
JAEGER TRACING

Spans flow:
  coderoom-server → OpenTelemetry SDK → Jaeger exporter → Jaeger collector → Jaeger UI

TRACING LAYOUT

  HTTP request / websocket upgrade  → root span (middleware.TracingMiddleware)
    room event (create-file, ...)   → child span (rooms.Hub)
    execute-code job                → child span (execution.Pool)
  relay fan-out                     → one span per channel join/leave

Without a collector endpoint the global provider stays the no-op one, so
every span call is free and nothing is exported.
*/

// InitJaeger installs a tracer provider exporting to jaegerEndpoint.
// Returns a cleanup function that should be called on shutdown.
func InitJaeger(serviceName, jaegerEndpoint string) (func(context.Context) error, error) {
	if jaegerEndpoint == "" {
		log.Printf("⚠️  JAEGER_ENDPOINT not set, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	// Create the Jaeger exporter. It ships finished spans to the collector.
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Resource identifies the service in the Jaeger UI.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create the trace provider. Spans are batched before export.
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	// Set the global tracer provider so every package's otel.Tracer call
	// picks it up.
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s", jaegerEndpoint)

	// Always flush traces on shutdown.
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

/*
SAMPLING

ParentBased(AlwaysSample) records every root span and follows the caller's
decision for spans that arrive with a remote parent. A websocket upgrade is
one root span covering the whole connection, so full sampling stays cheap
even for busy rooms.

If traffic grows, swap the root sampler:
  sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))  // keep 10% of new traces
  sdktrace.NeverSample()                                  // spans are created, never exported
*/
