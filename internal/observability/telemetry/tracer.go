package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const defaultCollectorEndpoint = "http://jaeger:14268/api/traces"

// Config describes the trace pipeline.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	CollectorEndpoint string
	// SampleRatio is the fraction of new traces to keep. Zero or
	// anything at or above 1 keeps everything.
	SampleRatio float64
}

// InitTracer wires a Jaeger exporter and installs it as the global trace
// provider. The caller owns shutdown.
func InitTracer(cfg Config) (*sdktrace.TracerProvider, error) {
	endpoint := cfg.CollectorEndpoint
	if endpoint == "" {
		endpoint = defaultCollectorEndpoint
	}
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, fmt.Errorf("creating jaeger exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
