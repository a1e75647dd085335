package eventhandler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

var at = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func syncBus() *messaging.InMemoryEventBus {
	return messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{})
}

func TestXPAwardedUpdatesLeaderboard(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewLeaderboardCache()
	for _, tf := range leaderboard.Timeframes() {
		require.NoError(t, cache.Replace(ctx, tf, tf.Period(at), nil))
	}

	bus := syncBus()
	require.NoError(t, NewOnXPAwardedHandler(cache, config.NewFeatureFlags(), nil).Register(bus))

	require.NoError(t, bus.Publish(ctx,
		shared.NewXPAwardedEvent("alice", "e1", "task_completed", "auto_award", 50, 50, 1, "k1", at),
		shared.NewXPAwardedEvent("bob", "e2", "task_completed", "auto_award", 80, 80, 1, "k2", at),
		shared.NewXPAwardedEvent("alice", "e3", "achievement_bonus", "auto_award", 40, 90, 1, "achievement:x", at),
	))

	for _, tf := range leaderboard.Timeframes() {
		top, ok, err := cache.Top(ctx, tf, tf.Period(at), 10)
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, top, 2)
		assert.Equal(t, shared.UserID("alice"), top[0].UserID)
		assert.Equal(t, int64(90), top[0].TotalXP)
	}
}

func TestXPAwardedRespectsFlag(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewLeaderboardCache()
	require.NoError(t, cache.Replace(ctx, leaderboard.TimeframeAllTime, "all", nil))

	flags := config.NewFeatureFlags()
	require.NoError(t, flags.DisableFeature(config.FeatureLeaderboardCache))
	h := NewOnXPAwardedHandler(cache, flags, nil)

	require.NoError(t, h.Handle(ctx, shared.NewXPAwardedEvent("alice", "e1", "task_completed", "auto_award", 50, 50, 1, "k1", at)))
	top, _, err := cache.Top(ctx, leaderboard.TimeframeAllTime, "all", 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}

type invalidations struct {
	mu    sync.Mutex
	users []shared.UserID
}

func (i *invalidations) Invalidate(_ context.Context, userID shared.UserID) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users = append(i.users, userID)
	return nil
}

func TestProgressEventsInvalidateProfiles(t *testing.T) {
	ctx := context.Background()
	inv := &invalidations{}
	bus := syncBus()
	require.NoError(t, NewOnProgressChangedHandler(inv, nil).Register(bus))

	require.NoError(t, bus.Publish(ctx,
		shared.NewXPAwardedEvent("alice", "e1", "task_completed", "auto_award", 50, 50, 1, "k1", at),
		shared.NewStreakUpdatedEvent("bob", 2, 2, "2026-10-19", at),
		shared.NewAchievementUnlockedEvent("carol", "first_steps", "milestone", "common", 10, at),
		shared.NewLevelUpEvent("dave", 1, 2, 120, at),
	))

	assert.Equal(t, []shared.UserID{"alice", "bob", "carol"}, inv.users)
}
