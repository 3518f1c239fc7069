// Package coordlog provides the coordinator's structured logger.
package coordlog

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with contextual fields shared across components.
type Logger struct {
	*slog.Logger
}

// New creates a logger. format "json" produces machine-readable output,
// anything else (including "") produces colored console output via tint.
func New(level, format string) *Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// WithContext attaches a trace_id pulled from ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if traceID := ctx.Value(traceIDKey{}); traceID != nil {
		return &Logger{Logger: l.With("trace_id", traceID)}
	}
	return l
}

type traceIDKey struct{}

// WithTraceID stores a trace id on the context for later retrieval via WithContext.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// WithFields returns a logger with additional static fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.With(args...)}
}

// WithPeer adds peer_id to the logger context.
func (l *Logger) WithPeer(peerID string) *Logger {
	return &Logger{Logger: l.With("peer_id", peerID)}
}

// WithDoc adds doc_id and doc_kind to the logger context.
func (l *Logger) WithDoc(docID, kind string) *Logger {
	return &Logger{Logger: l.With("doc_id", docID, "doc_kind", kind)}
}

// Error logs an error with a stack trace attached.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

// ErrorContext logs an error with context and a stack trace attached.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.ErrorContext(ctx, msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
