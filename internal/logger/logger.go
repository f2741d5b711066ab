// Package logger sets up the process-wide slog JSON logger and carries a
// trace id through context.Context. Order flows use the order id as trace
// id; HTTP requests get a generated one.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init installs a JSON logger on stdout tagged with service as the default
// slog logger and returns it.
func Init(service string, level slog.Level) *slog.Logger {
	return InitTo(os.Stdout, service, level)
}

// InitTo is Init with an explicit destination.
func InitTo(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	l := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(l)
	return l
}

// ParseLevel maps debug|info|warn|error to a level. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID returns "{prefix}-{random}" for flows with no natural id.
func GenerateTraceID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}
