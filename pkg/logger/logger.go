// Package logger provides structured logging for the progress engine.
// It wraps zap and keeps a small field-oriented API so call sites stay
// independent of the backend.
package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log message.
type Level = zapcore.Level

const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
	LevelFatal = zapcore.FatalLevel
)

// ParseLevel parses a string into a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Field is a key-value pair for structured logging.
type Field = zap.Field

// F creates a new Field with the given key and value.
func F(key string, value any) Field { return zap.Any(key, value) }

// Common field constructors.
func String(key, value string) Field          { return zap.String(key, value) }
func Int(key string, value int) Field         { return zap.Int(key, value) }
func Int64(key string, value int64) Field     { return zap.Int64(key, value) }
func Float64(key string, value float64) Field { return zap.Float64(key, value) }
func Bool(key string, value bool) Field       { return zap.Bool(key, value) }
func Any(key string, value any) Field         { return zap.Any(key, value) }

// Err creates an error field.
func Err(err error) Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return zap.String(key, value.String())
}

// Time creates a time field.
func Time(key string, value time.Time) Field {
	return zap.String(key, value.Format(time.RFC3339))
}

// Logger is the structured logger used across the service.
type Logger struct {
	z *zap.Logger
}

// Config configures the logger.
type Config struct {
	Level Level
	// Format is "json" (production encoder) or "console" (development encoder).
	Format    string
	AddCaller bool
}

// DefaultConfig returns sensible defaults for the logger.
func DefaultConfig() Config {
	return Config{
		Level:     LevelInfo,
		Format:    "json",
		AddCaller: true,
	}
}

// New creates a new Logger with the given config.
func New(cfg Config) (*Logger, error) {
	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "console", "dev", "development":
		zc = zap.NewDevelopmentConfig()
	default:
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.Level)
	zc.DisableCaller = !cfg.AddCaller

	z, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &Logger{z: z}, nil
}

// Default creates a logger with default options, falling back to a
// no-op logger if zap cannot be built.
func Default() *Logger {
	l, err := New(DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return Nop()
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// NewFromZap wraps an existing zap logger.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Named returns a child logger with the given name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Field) { l.z.Info(msg, fields...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Field) { l.z.Warn(msg, fields...) }

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }

// Fatal logs a fatal message and exits the program.
func (l *Logger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) { l.z.Info(fmt.Sprintf(format, args...)) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) { l.z.Error(fmt.Sprintf(format, args...)) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

type ctxKey struct{}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the logger from context, or returns a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// RequestIDKey is the field key for request tracing.
const RequestIDKey = "request_id"

// WithRequestID returns a logger with request ID field added.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.With(String(RequestIDKey, requestID))
}

// Progress-engine logging helpers.
func UserID(id string) Field          { return String("user_id", id) }
func EventType(t string) Field        { return String("event_type", t) }
func IdempotencyKey(k string) Field   { return String("idempotency_key", k) }
func OperationID(id string) Field     { return String("operation_id", id) }
func AchievementID(id string) Field   { return String("achievement_id", id) }
func XPAmount(xp int64) Field         { return Int64("xp_amount", xp) }
func Component(name string) Field     { return String("component", name) }
func Operation(name string) Field     { return String("operation", name) }
func Latency(d time.Duration) Field   { return Duration("latency", d) }
