package logger

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
	roomKey      contextKey = "room"
)

var contextKeys = []contextKey{traceIDKey, requestIDKey, roomKey}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func WithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, roomKey, room)
}

// ContextLogger tags log lines with the ids carried by a request context.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// For returns the base logger with every id found in ctx attached.
func (cl *ContextLogger) For(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest writes one access log line. Server errors are logged at error level.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, status int, elapsed time.Duration) {
	log := cl.For(ctx).Info
	if status >= http.StatusInternalServerError {
		log = cl.For(ctx).Error
	}
	log("HTTP request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", status),
		zap.Duration("duration", elapsed),
	)
}
