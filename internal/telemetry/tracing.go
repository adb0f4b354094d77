// Package telemetry sets up OpenTelemetry tracing for harvest runs.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitTracerProvider installs a global, always-sampling tracer provider
// tagged with serviceName and a W3C trace-context propagator. Pass
// WithCloudTrace (or any exporter option) to ship the spans somewhere.
func InitTracerProvider(ctx context.Context, serviceName string, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	base := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	tp := sdktrace.NewTracerProvider(append(base, opts...)...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// WithCloudTrace batches spans to Google Cloud Trace in projectID.
func WithCloudTrace(projectID string, opts ...texporter.Option) (sdktrace.TracerProviderOption, error) {
	exporter, err := texporter.New(append([]texporter.Option{texporter.WithProjectID(projectID)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create cloud trace exporter: %w", err)
	}
	return sdktrace.WithBatcher(exporter), nil
}
