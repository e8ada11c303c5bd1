package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the span exporter wired by SetupTracing.
type TracingConfig struct {
	// Exporter selects the span exporter: "otlp", "stdout", or "none"
	// (the default when empty). Any other value is an error.
	Exporter    string
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// noopShutdown is returned when tracing is disabled so callers can
// always defer the returned shutdown func unconditionally.
func noopShutdown(context.Context) error { return nil }

// SetupTracing installs a tracer provider as the global OpenTelemetry
// provider per cfg.Exporter and returns a shutdown function to run
// before process exit. "none" (or an empty value), and "otlp" with no
// endpoint, disable tracing and return the current global provider plus a
// noop shutdown. An unrecognized value returns an error.
func SetupTracing(ctx context.Context, cfg TracingConfig) (trace.TracerProvider, func(context.Context) error, error) {
	var spanExporter sdktrace.SpanExporter

	switch strings.ToLower(strings.TrimSpace(cfg.Exporter)) {
	case "", "none":
		return otel.GetTracerProvider(), noopShutdown, nil

	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		spanExporter = exporter

	case "otlp":
		endpoint := strings.TrimSpace(cfg.Endpoint)
		if endpoint == "" {
			return otel.GetTracerProvider(), noopShutdown, nil
		}
		clientOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
		}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(clientOpts...))
		if err != nil {
			return nil, nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		spanExporter = exporter

	default:
		return nil, nil, fmt.Errorf("unknown otel exporter %q", cfg.Exporter)
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "flightrecorder"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		attribute.String("flightrecorder.component", serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider, provider.Shutdown, nil
}

// attrRunID, attrStepID are span attribute keys shared across every span
// the recorder creates so traces stay correlatable with the event log.
const (
	attrRunID  = "flightrecorder.run_id"
	attrStepID = "flightrecorder.step_id"
)

// StartSpan starts a child span named op, tagged with runID and, when
// non-empty, stepID.
func StartSpan(ctx context.Context, tracer trace.Tracer, op, runID, stepID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, op)
	attrs := []attribute.KeyValue{attribute.String(attrRunID, runID)}
	if stepID != "" {
		attrs = append(attrs, attribute.String(attrStepID, stepID))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}
