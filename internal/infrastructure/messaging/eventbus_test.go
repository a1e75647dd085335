package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

var at = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func syncBus() *InMemoryEventBus {
	cfg := DefaultInMemoryEventBusConfig()
	cfg.AsyncMode = false
	return NewInMemoryEventBus(cfg)
}

func TestPublishRoutesByType(t *testing.T) {
	bus := syncBus()
	var xp, level, all int32

	require.NoError(t, bus.Subscribe(shared.EventXPAwarded, func(context.Context, shared.Event) error {
		atomic.AddInt32(&xp, 1)
		return nil
	}))
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(context.Context, shared.Event) error {
		atomic.AddInt32(&level, 1)
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(context.Context, shared.Event) error {
		atomic.AddInt32(&all, 1)
		return nil
	}))

	err := bus.Publish(context.Background(),
		shared.NewXPAwardedEvent("u", "e1", "task_completed", "auto_award", 50, 50, 1, "k", at),
		shared.NewLevelUpEvent("u", 1, 2, 105, at),
	)
	require.NoError(t, err)

	assert.Equal(t, int32(1), xp)
	assert.Equal(t, int32(1), level)
	assert.Equal(t, int32(2), all)
	assert.Equal(t, int64(1), bus.Metrics().Published(shared.EventXPAwarded))
}

func TestSyncPublishReturnsHandlerErrors(t *testing.T) {
	bus := syncBus()
	boom := errors.New("boom")
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(context.Context, shared.Event) error { return boom }))

	err := bus.Publish(context.Background(), shared.NewLevelUpEvent("u", 1, 2, 100, at))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), bus.Metrics().Snapshot().HandlerFailures)
}

func TestRecoveryMiddlewareCatchesPanics(t *testing.T) {
	bus := syncBus()
	require.NoError(t, bus.Subscribe(shared.EventLevelUp, func(context.Context, shared.Event) error {
		panic("handler bug")
	}))

	err := bus.Publish(context.Background(), shared.NewLevelUpEvent("u", 1, 2, 100, at))
	assert.ErrorIs(t, err, ErrHandlerPanic)
}

func TestAsyncHandlersSurviveCallerCancellation(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	var seen int32
	require.NoError(t, bus.Subscribe(shared.EventXPAwarded, func(ctx context.Context, _ shared.Event) error {
		if ctx.Err() == nil {
			atomic.AddInt32(&seen, 1)
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, shared.NewXPAwardedEvent("u", "e", "task_completed", "auto_award", 1, 1, 1, "k", at)))
	cancel()
	bus.Drain()

	assert.Equal(t, int32(1), atomic.LoadInt32(&seen))
}

func TestClosedBusRejects(t *testing.T) {
	bus := syncBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), shared.NewLevelUpEvent("u", 1, 2, 100, at))
	assert.ErrorIs(t, err, ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLevelUp, func(context.Context, shared.Event) error { return nil }), ErrEventBusClosed)
}
