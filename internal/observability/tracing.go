package observability

import (
	"context"
	"log/slog"

	"github.com/ashford-core/ashford-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// SetupTracing configures an in-process OTEL tracer provider, sampled by
// environment, and installs it as the global provider. This core has no
// OTLP collector dependency (SPEC_FULL.md §5): spans are available to any
// in-process exporter a deployment wires in, via otel.SetTracerProvider.
// Returns the provider's shutdown func.
func SetupTracing(cfg config.Config) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.OTELServiceName),
	))
	if err != nil {
		return nil, err
	}

	// Production samples 10% of traces; every other environment samples all of them.
	samplingRatio := 1.0
	if cfg.AppEnv == "prod" {
		samplingRatio = 0.1
	}
	sampler := trace.ParentBased(trace.TraceIDRatioBased(samplingRatio))
	slog.Info("tracing configured",
		slog.String("service", cfg.OTELServiceName),
		slog.Float64("sampling_ratio", samplingRatio))

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the named tracer for a component (jobs, actions, executor,
// classifier, undo) so spans carry a recognizable instrumentation scope.
func Tracer(name string) oteltrace.Tracer { return otel.Tracer(name) }
