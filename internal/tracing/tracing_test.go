package tracing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gxo-labs/chatstate/internal/logger"
	"github.com/gxo-labs/chatstate/internal/secrets"
	"github.com/gxo-labs/chatstate/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderFromEnvDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	p, err := tracing.NewProviderFromEnv(context.Background(), logger.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, p.IsEffectivelyNoOp())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderFromEnvUnconfigured(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	p, err := tracing.NewProviderFromEnv(context.Background(), logger.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, p.IsEffectivelyNoOp())
}

func TestProviderFromEnvBadProtocol(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "carrier-pigeon")
	p, err := tracing.NewProviderFromEnv(context.Background(), logger.NewNopLogger())
	assert.Error(t, err)
	require.NotNil(t, p)
	assert.True(t, p.IsEffectivelyNoOp())
}

func TestNilProviderTracer(t *testing.T) {
	ctx, span := tracing.StartSpan(context.Background(), nil, "noop")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
}

// TestRecordErrorRedacts verifies secrets never reach span status.
func TestRecordErrorRedacts(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	tracker := secrets.NewSecretTracker()
	tracker.Add("hunter2")
	tracing.RecordError(span, errors.New("login with hunter2 failed"), tracker)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, secrets.RedactedValue, spans[0].Status().Description)
}

func TestRedactAttributes(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("cred")
	out := tracing.RedactAttributes([]attribute.KeyValue{
		attribute.String("turn.url", "turn:user:cred@host"),
		attribute.Int("count", 3),
		attribute.String("store", "call"),
	}, tracker)
	assert.Equal(t, secrets.RedactedValue, out[0].Value.AsString())
	assert.Equal(t, int64(3), out[1].Value.AsInt64())
	assert.Equal(t, "call", out[2].Value.AsString())
}
