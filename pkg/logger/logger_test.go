package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewFromZap(zap.New(core)), logs
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"Error":   LevelError,
		"fatal":   LevelFatal,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestFieldsAndLevels(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)

	log.Debug("hidden")
	log.Info("xp awarded",
		UserID("alice"),
		EventType("lesson_completed"),
		XPAmount(60),
		Duration("took", 1500*time.Millisecond),
		Err(nil),
	)
	log.Warn("rollback", Err(errors.New("engine unavailable")))

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "xp awarded", entries[0].Message)
	assert.Equal(t, "alice", fields["user_id"])
	assert.Equal(t, "lesson_completed", fields["event_type"])
	assert.Equal(t, int64(60), fields["xp_amount"])
	assert.Equal(t, "1.5s", fields["took"])
	assert.NotContains(t, fields, "error")

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "engine unavailable", entries[1].ContextMap()["error"])
}

func TestWithAndNamed(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)

	log.With(Component("syncer")).Named("actor").WithRequestID("req-1").Info("queued", OperationID("op-1"))

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, "actor", e.LoggerName)
	assert.Equal(t, map[string]any{
		"component":    "syncer",
		RequestIDKey:   "req-1",
		"operation_id": "op-1",
	}, e.ContextMap())
}

func TestContextPropagation(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("from context")
	assert.Equal(t, 1, logs.Len())

	assert.NotPanics(t, func() { FromContext(context.Background()).Info("dropped") })
	assert.Equal(t, 1, logs.Len())
}

func TestNewRespectsFormatAndLevel(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New(Config{Level: LevelWarn, Format: format})
		require.NoError(t, err, format)
		assert.False(t, l.Zap().Core().Enabled(zapcore.InfoLevel))
		assert.True(t, l.Zap().Core().Enabled(zapcore.ErrorLevel))
	}
}
