package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider hands out tracers for store initialization, loads and API calls.
type TracerProvider interface {
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown flushes buffered spans. It is a no-op for NoOp providers.
	Shutdown(ctx context.Context) error
}
