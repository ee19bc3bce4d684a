// Package log defines the logging contract shared by the orchestrator, its
// collaborators and the admin surface.
package log

import (
	"context"
	"log/slog"
)

// Logger is the logging interface every simloop component receives at
// construction. Components never reach for a package-level logger.
type Logger interface {
	// Debugf logs a printf-style message at DEBUG.
	Debugf(format string, args ...interface{})
	// Infof logs a printf-style message at INFO.
	Infof(format string, args ...interface{})
	// Warnf logs a printf-style message at WARN.
	Warnf(format string, args ...interface{})
	// Errorf logs a printf-style message at ERROR. When the last argument is an
	// error, implementations should attach it as structured attributes.
	Errorf(format string, args ...interface{})

	// Log writes a structured record with key-value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, letting implementations attach trace ids.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With returns a Logger that adds the given attributes to every record.
	With(args ...interface{}) Logger
	// IsEnabled reports whether records at level would be written.
	IsEnabled(level slog.Level) bool
}
