package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	cstracing "github.com/gxo-labs/chatstate/pkg/chatstate/v1/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

// Fallbacks used when the OTEL_* variables leave a value unset.
const (
	defaultGRPCEndpoint = "localhost:4317" // OTLP/gRPC collector port
	defaultHTTPEndpoint = "localhost:4318" // OTLP/HTTP collector port
	defaultServiceName  = "chatstate"
)

// OtelTracerProvider is either an OTLP-exporting SDK provider or the NoOp
// provider when tracing is disabled or unconfigured.
type OtelTracerProvider struct {
	provider    trace.TracerProvider     // What GetTracer hands out (SDK or NoOp)
	exporter    sdktrace.SpanExporter    // Nil for NoOp
	sdkProvider *sdktrace.TracerProvider // Nil for NoOp; owns the batcher
	log         cslog.Logger             // Nil for NoOp
}

// NewNoOpProvider returns a provider whose tracers record nothing.
func NewNoOpProvider() *OtelTracerProvider {
	return &OtelTracerProvider{provider: noop.NewTracerProvider()}
}

// NewProviderFromEnv configures tracing from the standard OTEL_* variables.
// OTEL_SDK_DISABLED=true, a missing endpoint, or an exporter failure all fall
// back to NoOp; the error return is reserved for callers that want to treat
// misconfiguration as fatal.
func NewProviderFromEnv(ctx context.Context, log cslog.Logger) (*OtelTracerProvider, error) {
	if log == nil {
		panic("tracing.NewProviderFromEnv requires a non-nil logger")
	}
	log = log.With("component", "Tracing")

	// Explicit opt-out wins over everything else.
	if strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		log.Debugf("Tracing disabled via OTEL_SDK_DISABLED")
		return NewNoOpProvider(), nil
	}
	// Without an endpoint or protocol nobody is listening; stay silent.
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") == "" {
		log.Debugf("No OTLP endpoint configured, using NoOp tracer")
		return NewNoOpProvider(), nil
	}

	// Describe this process; a failure only costs resource attributes.
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName())),
		resource.WithProcess(), resource.WithOS(), resource.WithHost(),
	)
	if err != nil {
		log.Warnf("Failed to build OTel resource, using default: %v", err)
		res = resource.Default()
	}

	exporter, err := createExporter(ctx, log)
	if err != nil {
		log.Warnf("Failed to create OTLP exporter, using NoOp tracer: %v", err)
		return NewNoOpProvider(), err
	}

	// Follow the caller's sampling decision, sample roots always, and batch
	// exports in the background.
	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	log.Infof("OpenTelemetry tracing enabled (service %s)", serviceName())
	return &OtelTracerProvider{
		provider:    sdkTP,
		exporter:    exporter,
		sdkProvider: sdkTP,
		log:         log,
	}, nil
}

// createExporter builds the OTLP exporter selected by
// OTEL_EXPORTER_OTLP_PROTOCOL (grpc by default, or http/protobuf).
func createExporter(ctx context.Context, log cslog.Logger) (sdktrace.SpanExporter, error) {
	protocol := strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"))
	if protocol == "" {
		protocol = "grpc"
	}
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// Settings shared by both transports.
	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	timeout := parseTimeout(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT"), 10*time.Second)
	gzipOn := strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_COMPRESSION"), "gzip")
	insecure := isInsecure(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), os.Getenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE"))

	switch protocol {
	case "grpc":
		if endpoint == "" {
			endpoint = defaultGRPCEndpoint
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithHeaders(headers),
			otlptracegrpc.WithTimeout(timeout),
		}
		// TLS with the system roots unless insecure is requested.
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if gzipOn {
			opts = append(opts, otlptracegrpc.WithCompressor(gzip.Name))
		}
		log.Debugf("OTLP gRPC exporter endpoint=%s insecure=%t gzip=%t", endpoint, insecure, gzipOn)
		return otlptracegrpc.New(ctx, opts...)

	case "http", "http/protobuf":
		if endpoint == "" {
			endpoint = defaultHTTPEndpoint
		}
		// The traces endpoint variable is read as a URL path here.
		urlPath := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		if urlPath == "" {
			urlPath = "/v1/traces"
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(urlPath),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if gzipOn {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		log.Debugf("OTLP HTTP exporter endpoint=%s%s insecure=%t gzip=%t", endpoint, urlPath, insecure, gzipOn)
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

// GetTracer returns a named tracer from the underlying provider.
func (p *OtelTracerProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p == nil || p.provider == nil {
		return noop.NewTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// Shutdown flushes buffered spans. It is a no-op for the NoOp provider.
func (p *OtelTracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdkProvider == nil {
		return nil
	}
	// The SDK provider shuts its batcher's exporter down as well.
	if err := p.sdkProvider.Shutdown(ctx); err != nil {
		p.log.Errorf("Error shutting down tracer provider: %v", err)
		return err
	}
	p.log.Debugf("Tracer provider shut down")
	return nil
}

// IsEffectivelyNoOp reports whether spans are discarded.
func (p *OtelTracerProvider) IsEffectivelyNoOp() bool {
	return p == nil || p.sdkProvider == nil
}

// serviceName honours OTEL_SERVICE_NAME.
func serviceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return defaultServiceName
}

// parseHeaders reads the comma-separated key=value OTLP header format.
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}
	for _, pair := range strings.Split(headerStr, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			// Malformed pairs are skipped.
			continue
		}
		if key := strings.TrimSpace(kv[0]); key != "" {
			headers[key] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

// parseTimeout accepts integer milliseconds (the OTLP format) or a Go
// duration string.
func parseTimeout(timeoutStr string, fallback time.Duration) time.Duration {
	if timeoutStr == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(timeoutStr, 10, 64); err == nil {
		if ms < 0 {
			return fallback
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(timeoutStr); err == nil && d >= 0 {
		return d
	}
	return fallback
}

// isInsecure reports whether any of the given flag values is "true".
func isInsecure(flags ...string) bool {
	for _, flag := range flags {
		if strings.EqualFold(strings.TrimSpace(flag), "true") {
			return true
		}
	}
	return false
}

// Compile-time check against the public provider interface.
var _ cstracing.TracerProvider = (*OtelTracerProvider)(nil)
