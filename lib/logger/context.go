// Package logger carries a request- or session-scoped slog.Logger on a context.
package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const loggerKey contextKey = "guard-slogger"

// AddToContext returns a copy of ctx that carries logger.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored on ctx, or slog.Default when none is set.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
