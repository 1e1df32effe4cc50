// Package telemetry wires OpenTelemetry tracing for the council server.
package telemetry

import (
	"context"
	"fmt"

	"github.com/lifeos-nexus/council/internal/config"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// Init sets up OpenTelemetry tracing with an OTLP gRPC exporter.
// When tracing is disabled the global no-op provider stays in place and
// the returned shutdown does nothing.
func Init(cfg *config.Config) (ShutdownFunc, error) {
	tc := cfg.Telemetry
	if !tc.Enabled || tc.OTLPEndpoint == "" {
		log.Info().Msg("🔕 OpenTelemetry disabled")
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(tc.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := Resource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", tc.OTLPEndpoint).
		Str("service", tc.ServiceName).
		Float64("sample_ratio", tc.SampleRatio).
		Msg("📡 OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}

// Resource describes this server instance: service identity plus the
// settings that shape council request traces.
func Resource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Telemetry.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			attribute.String("council.store", cfg.StoreKind),
			attribute.Int("council.port", cfg.Port),
			attribute.Int("council.retain_count", cfg.RetainCount),
			attribute.Int64("council.max_timeout_ms", cfg.MaxTimeout.Milliseconds()),
			attribute.Bool("council.api_keys", len(cfg.APIKeys) > 0),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
}
