package logger

import (
	"context"
)

type contextKey struct{}
type fixedKey struct{}

// WithLogger returns a new context with the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// WithFixedLogger returns a new context with the given fixed logger.
// This is only used for testing.
func WithFixedLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, fixedKey{}, logger)
}

// WithValues returns a context whose logger carries the given attributes.
func WithValues(ctx context.Context, keyvals ...any) context.Context {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	return WithLogger(ctx, FromContext(ctx).With(keyvals...))
}

// FromContext returns a logger from the given context.
func FromContext(ctx context.Context) Logger {
	if value := ctx.Value(fixedKey{}); value != nil {
		return value.(Logger)
	}
	if value := ctx.Value(contextKey{}); value != nil {
		return value.(Logger)
	}
	return defaultLogger
}

// Debug logs a message with debug level.
func Debug(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Debug(msg, tags...)
}

// Info logs a message with info level.
func Info(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Info(msg, tags...)
}

// Warn logs a message with warn level.
func Warn(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Warn(msg, tags...)
}

// Error logs a message with error level.
func Error(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Error(msg, tags...)
}

// Fatal logs a message with fatal level and exits the program.
func Fatal(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Fatal(msg, tags...)
}
