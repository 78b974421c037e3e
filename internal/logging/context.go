package logging

import "context"

type contextKey int

const (
	runIDKey contextKey = iota
	loggerKey
)

// WithRunIDCtx returns a new context carrying a job run ID.
func WithRunIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromCtx extracts the run ID from the context.
func RunIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// FromCtx returns the context's logger, falling back to the global logger.
// A run ID on the context is applied if the logger does not carry one yet.
func FromCtx(ctx context.Context) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = Global()
	}
	if id := RunIDFromCtx(ctx); id != "" && l.RunID() == "" {
		l = l.WithRunID(id)
	}
	return l
}
