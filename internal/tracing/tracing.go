package tracing

import (
	"context"
	"errors"

	"github.com/gxo-labs/chatstate/internal/secrets"
	cstracing "github.com/gxo-labs/chatstate/pkg/chatstate/v1/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation name used for chatstate spans.
const TracerName = "github.com/gxo-labs/chatstate"

// Common span attribute keys.
const (
	AttrStore     = attribute.Key("chatstate.store")
	AttrOperation = attribute.Key("chatstate.operation")
	AttrHTTPPath  = attribute.Key("http.route")
	AttrHTTPCode  = attribute.Key("http.response.status_code")
)

// Tracer returns the chatstate tracer from p, or a NoOp tracer if p is nil.
func Tracer(p cstracing.TracerProvider) oteltrace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer(TracerName)
	}
	return p.GetTracer(TracerName)
}

// StartSpan is a shorthand for Tracer(p).Start with attributes.
func StartSpan(ctx context.Context, p cstracing.TracerProvider, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return Tracer(p).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// RecordError marks span as failed. Tracked secrets are stripped from the
// recorded message.
func RecordError(span oteltrace.Span, err error, tracker *secrets.SecretTracker) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := err.Error()
	if tracker != nil && tracker.ContainsTrackedSecret(msg) {
		msg = secrets.RedactedValue
	}
	span.RecordError(errors.New(msg), oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, msg)
}

// RedactAttributes replaces attribute values that contain tracked secrets.
func RedactAttributes(attrs []attribute.KeyValue, tracker *secrets.SecretTracker) []attribute.KeyValue {
	if tracker == nil || len(attrs) == 0 {
		return attrs
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if kv.Value.Type() == attribute.STRING && tracker.ContainsTrackedSecret(kv.Value.AsString()) {
			out = append(out, attribute.String(string(kv.Key), secrets.RedactedValue))
			continue
		}
		out = append(out, kv)
	}
	return out
}
