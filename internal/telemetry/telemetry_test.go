package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup_Disabled(t *testing.T) {
	tracing, err := Setup(context.Background(), "", "")
	require.NoError(t, err)

	_, span := tracing.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid(), "no-op spans carry no context")
	span.End()

	assert.NoError(t, tracing.Shutdown(context.Background()))
}

func TestSetup_InstallsGlobalProvider(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tracing, err := Setup(context.Background(), "127.0.0.1:4318", "inapp-test")
	require.NoError(t, err)

	_, ok := tracing.Provider().(*sdktrace.TracerProvider)
	require.True(t, ok)
	assert.Same(t, tracing.Provider(), otel.GetTracerProvider())

	_, span := tracing.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Span is never ended, so shutdown has nothing to export.
	assert.NoError(t, tracing.Shutdown(ctx))
}
