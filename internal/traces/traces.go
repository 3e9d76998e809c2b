// Package traces sets up OpenTelemetry tracing for RCL.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/rcl"

// Init installs a tracer provider exporting to otlpEndpoint over gRPC.
// With no endpoint the global no-op provider stays in place. The returned
// function flushes and stops the exporter.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("rcl"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the RCL tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func Tenant(v string) attribute.KeyValue   { return attribute.String("rcl.tenant", v) }
func Scenario(v string) attribute.KeyValue { return attribute.String("rcl.scenario", v) }
func EventID(v string) attribute.KeyValue  { return attribute.String("rcl.event_id", v) }
func EntityID(v string) attribute.KeyValue { return attribute.String("rcl.entity_id", v) }
func Verdict(v string) attribute.KeyValue  { return attribute.String("rcl.verdict", v) }
func RuleID(v string) attribute.KeyValue   { return attribute.String("rcl.rule_id", v) }

func PolicyVersion(v int) attribute.KeyValue {
	return attribute.Int("rcl.policy_version", v)
}

func Replayed(v bool) attribute.KeyValue {
	return attribute.Bool("rcl.replayed", v)
}
