package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"mailguard/internal/config"
)

func withPropagator(t *testing.T) {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
}

func TestInit_DisabledInstallsPropagator(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp, err := Init(config.TracingConfig{}, "receiver-service")
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInit_EnabledRequiresEndpoint(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	_, err := Init(config.TracingConfig{Enabled: true}, "receiver-service")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracing.otlp.endpoint")
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(config.SamplerConfig{}).Description(), "ParentBased")
	assert.Equal(t, "AlwaysOnSampler", newSampler(config.SamplerConfig{Type: "always_on"}).Description())
	assert.Equal(t, "AlwaysOffSampler", newSampler(config.SamplerConfig{Type: "always_off"}).Description())
	assert.Contains(t, newSampler(config.SamplerConfig{Type: "traceidratio", Param: 0.5}).Description(), "TraceIDRatioBased")
}

func TestMapHeaderRoundTrip(t *testing.T) {
	withPropagator(t)
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectHeaders(ctx, nil)
	assert.Contains(t, headers, "traceparent")

	_, child := StartSpanFromHeaders(context.Background(), "consume", headers)
	defer child.End()
	assert.Equal(t, TraceIDFromContext(ctx), child.SpanContext().TraceID().String())
}

func TestTraceIDFromContext_Empty(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))
}
