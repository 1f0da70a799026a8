// Package log defines the logging contract shared by every chatstate package.
package log

import (
	"context"
	"log/slog"
)

// Logger is the logging facade handed to stores, buses and adapters.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	// Errorf logs at ERROR. When the last argument is an error, implementations
	// should attach it as a structured attribute as well.
	Errorf(format string, args ...interface{})

	// Log emits a structured record with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, which lets trace ids flow into the record.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a child logger that adds args to every record.
	With(args ...interface{}) Logger
	// IsEnabled reports whether records at level would be written.
	IsEnabled(level slog.Level) bool
}
