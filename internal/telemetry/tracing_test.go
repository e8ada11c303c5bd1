package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/trace/noop"
)

func TestSetupTracing_DisabledByDefault(t *testing.T) {
	provider, shutdown, err := SetupTracing(context.Background(), TracingConfig{ServiceName: "recorderd"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_OTLPDisabledWhenEndpointEmpty(t *testing.T) {
	provider, shutdown, err := SetupTracing(context.Background(), TracingConfig{Exporter: "otlp", ServiceName: "recorderd"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_Stdout(t *testing.T) {
	provider, shutdown, err := SetupTracing(context.Background(), TracingConfig{Exporter: "stdout", ServiceName: "recorderd"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_UnknownExporter(t *testing.T) {
	_, _, err := SetupTracing(context.Background(), TracingConfig{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestStartSpan_TagsRunAndStep(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx, span := StartSpan(context.Background(), tracer, "ingest_event", "run-1", "step-1")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
}
