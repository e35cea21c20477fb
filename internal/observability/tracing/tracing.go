// Package tracing installs the OpenTelemetry provider shared by the hms
// commands. Every command reports under the hms service namespace.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Namespace groups the api, import and relay services in the trace backend
const Namespace = "hms"

// Settings describe one hms process
type Settings struct {
	// Service is the command name, e.g. hms-api
	Service string
	Version string
	// Env is the deployment environment from ENV
	Env string
	// Endpoint is the OTLP collector from OTEL_EXPORTER_OTLP_ENDPOINT.
	// Without one, spans are sampled but never exported, so trace ids still
	// reach the logs and the outbox headers.
	Endpoint string
	// Ratio is the share of new traces kept; 1 or more keeps all of them
	Ratio float64
}

// Provider owns the installed tracer provider
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Start installs the global tracer provider and the W3C propagators
func Start(ctx context.Context, s Settings) (*Provider, error) {
	res, err := newResource(s)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(s.Ratio)),
	}
	if s.Endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(s.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter for %s: %w", s.Endpoint, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

func newResource(s Settings) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNamespace(Namespace),
		semconv.ServiceName(s.Service),
		semconv.ServiceVersion(s.Version),
		semconv.DeploymentEnvironment(s.Env),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	return res, nil
}

// newSampler keeps the caller's decision for propagated traces
func newSampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Shutdown flushes buffered spans. A nil provider is a no-op.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
