// Package telemetry configures OpenTelemetry tracing for the session plane.
package telemetry

import (
	"context"
	"fmt"

	"github.com/agentoven/agentoven/sandbox-plane/internal/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by every package in the module.
const InstrumentationName = "github.com/agentoven/agentoven/sandbox-plane"

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Tracer returns the module tracer from the global provider. Until Init
// registers a real provider this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Init installs a batching OTLP/gRPC tracer provider and the W3C
// propagators. With tracing disabled it installs nothing and returns a
// no-op shutdown.
func Init(cfg config.TelemetryConfig, version string) (ShutdownFunc, error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		log.Info().Msg("🔕 OpenTelemetry disabled")
		return noopShutdown, nil
	}
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := newResource(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Str("service", cfg.ServiceName).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("📡 OpenTelemetry tracing initialized")
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, service, version string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

// sampler honors the parent's decision and samples root spans by ratio.
// A ratio outside (0, 1) samples everything.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
