package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	// Public error types, unpacked into structured attributes
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	// The public logger interface implemented here
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	// Span context lookup for trace/span id injection
	"go.opentelemetry.io/otel/trace"
)

// Default log level if not specified or invalid.
const defaultLevel = slog.LevelInfo

// parseLogLevel converts common log level strings (case-insensitive) to slog levels.
func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		// Unknown or empty levels fall back to INFO silently.
		return defaultLevel
	}
}

// defaultLogger implements cslog.Logger on top of slog.
type defaultLogger struct {
	// Embedded so Log/LogAttrs and friends stay reachable.
	*slog.Logger
}

// Compile-time check that defaultLogger satisfies the public interface.
var _ cslog.Logger = (*defaultLogger)(nil)

// NewLogger creates a Logger with the given level, format ("text" or "json")
// and writer. A nil writer means os.Stderr. Every record passes through
// OtelHandler, so logging with a span-carrying context adds trace ids.
func NewLogger(levelStr string, formatStr string, writer io.Writer) cslog.Logger {
	level := parseLogLevel(levelStr)
	if writer == nil {
		writer = os.Stderr
	}

	// Level threshold plus upper-case level rendering.
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelAttribute,
	}

	// Pick the base handler; anything but "json" renders as text.
	var baseHandler slog.Handler
	switch strings.ToLower(formatStr) {
	case "json":
		baseHandler = slog.NewJSONHandler(writer, opts)
	default:
		baseHandler = slog.NewTextHandler(writer, opts)
	}

	// Wrap with the trace id injector.
	return &defaultLogger{
		Logger: slog.New(NewOtelHandler(baseHandler)),
	}
}

// NewDefaultLogger is a text logger on stderr.
func NewDefaultLogger(levelStr string) cslog.Logger {
	return NewLogger(levelStr, "text", os.Stderr)
}

// NewNopLogger discards everything. Stores fall back to it when constructed
// without a logger.
func NewNopLogger() cslog.Logger {
	// A threshold above ERROR keeps even the Enabled checks cheap.
	return &defaultLogger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// levelStringMap maps slog levels to their rendered names.
var levelStringMap = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute renders the level attribute as an upper-case string.
func replaceLevelAttribute(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	levelStr, exists := levelStringMap[level]
	if !exists {
		// Offsets such as DEBUG+2 keep slog's own rendering.
		levelStr = level.String()
	}
	a.Value = slog.StringValue(levelStr)
	return a
}

// Debugf logs at DEBUG. Formatting is skipped when the level is disabled.
func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelDebug) {
		l.Logger.Log(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...))
	}
}

// Infof logs at INFO.
func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelInfo) {
		l.Logger.Log(context.Background(), slog.LevelInfo, fmt.Sprintf(format, args...))
	}
}

// Warnf attaches structured error attributes like Errorf does, since load and
// persistence failures are reported at WARN.
func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelWarn) {
		l.logHelper(context.Background(), slog.LevelWarn, fmt.Sprintf(format, args...), args...)
	}
}

// Errorf logs at ERROR with structured error attributes.
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.Logger.Enabled(context.Background(), slog.LevelError) {
		l.logHelper(context.Background(), slog.LevelError, fmt.Sprintf(format, args...), args...)
	}
}

// logHelper adds attributes for the chatstate error types when the last
// format argument is an error.
func (l *defaultLogger) logHelper(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	if len(args) == 0 {
		l.Logger.Log(ctx, level, msg)
		return
	}
	err, ok := args[len(args)-1].(error)
	if !ok {
		l.Logger.Log(ctx, level, msg)
		return
	}

	// The plain message is always present; typed errors add their fields.
	attrs := []any{slog.String("error", err.Error())}
	var (
		pe *cserrors.PersistenceError
		le *cserrors.LoadError
		ie *cserrors.InitializationError
	)
	switch {
	case errors.As(err, &pe):
		attrs = append(attrs, slog.String("error_type", "PersistenceError"), slog.String("namespace", pe.Namespace), slog.String("op", pe.Op))
	case errors.As(err, &le):
		attrs = append(attrs, slog.String("error_type", "LoadError"), slog.String("store", le.Store), slog.String("op", le.Op))
	case errors.As(err, &ie):
		attrs = append(attrs, slog.String("error_type", "InitializationError"), slog.String("store", ie.Store))
	}
	l.Logger.Log(ctx, level, msg, attrs...)
}

// Log writes a structured record; args are slog key/value pairs.
func (l *defaultLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

// LogCtx is Log with a context, which carries the span for trace ids.
func (l *defaultLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

// With returns a child logger that adds args to every record.
func (l *defaultLogger) With(args ...interface{}) cslog.Logger {
	return &defaultLogger{Logger: l.Logger.With(args...)}
}

// IsEnabled reports whether level would be written.
func (l *defaultLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// --- OtelHandler for Trace/Span ID Injection ---

// OtelHandler is a slog.Handler middleware that adds trace_id and span_id
// attributes when the logging context carries a valid span.
type OtelHandler struct {
	// The wrapped handler that does the actual writing.
	next slog.Handler
}

// NewOtelHandler wraps next.
func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

// Enabled defers to the wrapped handler.
func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle adds trace_id and span_id when ctx carries a valid span, then
// forwards the record.
func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	// Records logged without a context get an invalid span and no ids.
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

// WithAttrs keeps the injector around the derived handler.
func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

// WithGroup keeps the injector around the derived handler.
func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
