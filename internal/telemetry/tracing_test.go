package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	ctx := context.Background()
	tp, shutdown, err := InitTracerProvider(ctx, Config{ServiceName: "telemetry-test"})
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := Tracer("test").Start(ctx, "op")
	require.True(t, span.SpanContext().IsValid())
	require.True(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, shutdown(ctx))
}

func TestInitTracerProviderWithExporter(t *testing.T) {
	ctx := context.Background()
	// The exporter connects lazily, so construction succeeds without a collector.
	tp, _, err := InitTracerProvider(ctx, Config{OTLPEndpoint: "127.0.0.1:4318", Insecure: true, SampleRatio: 0.5})
	require.NoError(t, err)
	require.NotNil(t, tp)
}
