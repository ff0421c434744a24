package utils

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dukepan/roomserver/internal/contextkey"
)

// Logger provides structured logging
type Logger struct {
	slog *slog.Logger
}

// NewLogger creates a new structured logger.
// It can be enriched with context-specific attributes like request ID and user ID.
func NewLogger(logLevel string) *Logger {
	level := new(slog.Level)
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		*level = slog.LevelInfo // Default to info if parsing fails
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	})

	return &Logger{
		slog: slog.New(handler),
	}
}

// WithContext creates a child logger enriched with request/user/room/
// process attributes pulled from ctx.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	var attrs []slog.Attr
	if v, ok := ctx.Value(contextkey.ContextKeyRequestID).(string); ok && v != "" {
		attrs = append(attrs, slog.String("request_id", v))
	}
	if v, ok := ctx.Value(contextkey.ContextKeyUserID).(string); ok && v != "" {
		attrs = append(attrs, slog.String("user_id", v))
	}
	if v, ok := ctx.Value(contextkey.ContextKeyRoomID).(string); ok && v != "" {
		attrs = append(attrs, slog.String("room_id", v))
	}
	if v, ok := ctx.Value(contextkey.ContextKeyProcessID).(string); ok && v != "" {
		attrs = append(attrs, slog.String("process_id", v))
	}
	if len(attrs) == 0 {
		return l.slog
	}
	return slog.New(l.slog.Handler().WithAttrs(attrs))
}

// Info logs an info message.
func (l *Logger) Info(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Info(fmt.Sprintf(msg, args...))
}

// Error logs an error message.
func (l *Logger) Error(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Debug(fmt.Sprintf(msg, args...))
}

// Fatal logs a fatal message and exits. This should be used sparingly for unrecoverable errors.
func (l *Logger) Fatal(ctx context.Context, msg string, args ...interface{}) {
	l.WithContext(ctx).Error(fmt.Sprintf(msg, args...))
	os.Exit(1)
}
