package logger

import (
	"context"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Logger struct {
	serviceName string
	zl          zerolog.Logger
}

type Fields map[string]any

// Context key for request ID
type contextKey string

const RequestIDKey contextKey = "request_id"

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

// Init installs the default logger writing JSON lines to stdout.
func Init(serviceName string) {
	InitWithWriter(serviceName, os.Stdout)
}

// InitWithWriter is Init with an explicit output, used by tests.
func InitWithWriter(serviceName string, w io.Writer) {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "message"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	zl := zerolog.New(w).With().Timestamp().Str("service", serviceName).Logger()

	mu.Lock()
	defaultLogger = &Logger{serviceName: serviceName, zl: zl}
	mu.Unlock()
}

// SetLevel sets the minimum level that is written. Unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func current() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func (l *Logger) log(level zerolog.Level, ctx context.Context, message string, err error, fields Fields) {
	ev := l.zl.WithLevel(level)
	if ev == nil {
		// level disabled
		return
	}

	// Extract request ID from context if available
	if ctx != nil {
		if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
			ev = ev.Str("request_id", requestID)
		}
	}

	if err != nil {
		ev = ev.Str("error", err.Error())
	}
	if len(fields) > 0 {
		ev = ev.Interface("fields", map[string]any(fields))
	}
	ev.Msg(message)
}

func emit(level zerolog.Level, ctx context.Context, message string, err error, fields []Fields) {
	l := current()
	if l == nil {
		if err != nil {
			log.Printf("Logger not initialized, falling back to standard log: %s, error: %v", message, err)
			return
		}
		log.Printf("Logger not initialized, falling back to standard log: %s", message)
		return
	}
	var f Fields
	if len(fields) > 0 {
		f = fields[0]
	}
	l.log(level, ctx, message, err, f)
}

// Package-level convenience functions using the default logger
func Info(ctx context.Context, message string, fields ...Fields) {
	emit(zerolog.InfoLevel, ctx, message, nil, fields)
}

func Error(ctx context.Context, message string, err error, fields ...Fields) {
	emit(zerolog.ErrorLevel, ctx, message, err, fields)
}

func Warn(ctx context.Context, message string, fields ...Fields) {
	emit(zerolog.WarnLevel, ctx, message, nil, fields)
}

func Debug(ctx context.Context, message string, fields ...Fields) {
	emit(zerolog.DebugLevel, ctx, message, nil, fields)
}

// Trace is for per-processor lifecycle noise (create, reap).
func Trace(ctx context.Context, message string, fields ...Fields) {
	emit(zerolog.TraceLevel, ctx, message, nil, fields)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}
