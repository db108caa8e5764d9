package api

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// InitTracing wires the OTLP/HTTP trace pipeline when FLUX_OTEL_ENABLE or
// OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise tracing stays off and the
// returned shutdown is a no-op. FLUX_OTEL_SAMPLE_RATIO (0..1) controls
// sampling, default always-on.
func InitTracing(ctx context.Context) (shutdown func(context.Context) error, enabled bool) {
	noop := func(context.Context) error { return nil }
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if os.Getenv("FLUX_OTEL_ENABLE") == "" && endpoint == "" {
		return noop, false
	}
	if endpoint == "" {
		endpoint = "http://localhost:4318"
	}

	exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		log.Printf("WARN: trace exporter init failed, tracing disabled: %v", err)
		return noop, false
	}

	sampler := sdktrace.AlwaysSample()
	if v := os.Getenv("FLUX_OTEL_SAMPLE_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil {
			sampler = sdktrace.TraceIDRatioBased(ratio)
		}
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("fluxchat-gateway"),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, true
}
