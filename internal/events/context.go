package events

import (
	"context"
	"io"
)

type contextKey int

const (
	loggerKey contextKey = iota
	pathKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithPath tags the context logger with the session path.
func WithPath(ctx context.Context, path string) context.Context {
	logger := FromContext(ctx).WithField("path", path)
	ctx = context.WithValue(ctx, pathKey, path)
	return WithLogger(ctx, logger)
}

// GetPath retrieves the session path from context.
func GetPath(ctx context.Context) string {
	if p, ok := ctx.Value(pathKey).(string); ok {
		return p
	}
	return ""
}

// Discard is a logger that writes nothing.
var Discard = newLogger(ErrorLevel+1, "text", io.Discard, "")

var defaultLogger = Discard

// SetDefault sets the logger returned by FromContext for bare contexts.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
