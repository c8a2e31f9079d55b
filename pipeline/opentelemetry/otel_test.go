//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInitializeTelemetry_Validation(t *testing.T) {
	t.Parallel()

	_, err := InitializeTelemetry(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilTelemetryConfig)

	_, err = InitializeTelemetry(context.Background(), &TelemetryConfig{})
	require.ErrorIs(t, err, ErrNilTelemetryLogger)
}

//nolint:paralleltest // installs global propagators
func TestInitializeTelemetry_Disabled(t *testing.T) {
	logger := log.NewMemory(log.LevelDebug)

	tl, err := InitializeTelemetry(context.Background(), &TelemetryConfig{LibraryName: "pipeline", Logger: logger})
	require.NoError(t, err)
	require.NotNil(t, tl.Tracer())
	require.NoError(t, tl.Shutdown(context.Background()))

	require.Len(t, logger.EntriesAt(log.LevelWarn), 1)
}

func TestHandleSpanError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	HandleSpanError(span, "publish failed", errors.New("broker down"))
	HandleSpanError(span, "ignored", nil)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "publish failed: broker down", ended[0].Status().Description)
	assert.Len(t, ended[0].Events(), 1)
}

//nolint:paralleltest // relies on the global propagator installed by InitializeTelemetry
func TestQueueTraceContextRoundTrip(t *testing.T) {
	_, err := InitializeTelemetry(context.Background(), &TelemetryConfig{LibraryName: "pipeline", Logger: log.NewNop()})
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectQueueTraceContext(ctx)
	require.Contains(t, headers, "traceparent")

	asAny := map[string]any{"traceparent": headers["traceparent"], "ignored": 42}
	restored := ExtractQueueTraceContext(context.Background(), asAny)

	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(restored).TraceID())
}
