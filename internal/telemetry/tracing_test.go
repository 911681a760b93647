package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: installs global providers.
func TestInitTracerProviderExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "capture-test", SampleRatio: 1}, WithSpanExporter(exp))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "capture.job")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "capture.job", spans[0].Name)
	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestInitTracerProviderSamplesNothingAtZero(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "capture-test"}, WithSpanExporter(exp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	require.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))
	require.Empty(t, exp.GetSpans())
}
