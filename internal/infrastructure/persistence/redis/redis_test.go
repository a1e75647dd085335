package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Monday.
var monday = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestLeaderboardTopRequiresBuiltBucket(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewLeaderboardCache(client)
	ctx := context.Background()

	require.NoError(t, c.Increment(ctx, "alice", 50, monday))

	_, ok, err := c.Top(ctx, leaderboard.TimeframeAllTime, "all", 10)
	require.NoError(t, err)
	assert.False(t, ok, "increments alone do not make a bucket complete")
}

func TestLeaderboardReplaceAndIncrement(t *testing.T) {
	client, mr := newTestClient(t)
	c := NewLeaderboardCache(client)
	ctx := context.Background()
	week := leaderboard.TimeframeWeekly.Period(monday)

	require.NoError(t, c.Replace(ctx, leaderboard.TimeframeWeekly, week, []ledger.Standing{
		{UserID: "alice", TotalXP: 100},
		{UserID: "bob", TotalXP: 40},
	}))
	require.NoError(t, c.Increment(ctx, "bob", 70, monday))

	top, ok, err := c.Top(ctx, leaderboard.TimeframeWeekly, week, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []ledger.Standing{
		{UserID: "bob", TotalXP: 110},
		{UserID: "alice", TotalXP: 100},
	}, top)

	assert.Positive(t, mr.TTL(bucketKey(leaderboard.TimeframeWeekly, week)))
	assert.Zero(t, mr.TTL(bucketKey(leaderboard.TimeframeAllTime, "all")))
}

func TestLeaderboardTiesBreakByUserID(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewLeaderboardCache(client)
	ctx := context.Background()

	require.NoError(t, c.Replace(ctx, leaderboard.TimeframeAllTime, "all", []ledger.Standing{
		{UserID: "dave", TotalXP: 100},
		{UserID: "carol", TotalXP: 50},
		{UserID: "bob", TotalXP: 50},
		{UserID: "alice", TotalXP: 50},
	}))

	top, ok, err := c.Top(ctx, leaderboard.TimeframeAllTime, "all", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []ledger.Standing{
		{UserID: "dave", TotalXP: 100},
		{UserID: "alice", TotalXP: 50},
	}, top)
}

func TestLeaderboardReplaceEmptiesBucket(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewLeaderboardCache(client)
	ctx := context.Background()

	require.NoError(t, c.Replace(ctx, leaderboard.TimeframeMonthly, "2026-10", []ledger.Standing{{UserID: "alice", TotalXP: 5}}))
	require.NoError(t, c.Replace(ctx, leaderboard.TimeframeMonthly, "2026-10", nil))

	top, ok, err := c.Top(ctx, leaderboard.TimeframeMonthly, "2026-10", 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, top)
}

func TestLeaderboardUnavailableIsTransient(t *testing.T) {
	client, mr := newTestClient(t)
	c := NewLeaderboardCache(client)
	mr.Close()

	_, _, err := c.Top(context.Background(), leaderboard.TimeframeAllTime, "all", 10)
	assert.True(t, shared.IsTransient(err))
}

func TestProfileCache(t *testing.T) {
	client, mr := newTestClient(t)
	pc := NewProfileCache(NewCache(client))
	ctx := context.Background()

	_, err := pc.GetProfile(ctx, "alice")
	assert.True(t, shared.IsNotFound(err))

	p := progress.Empty("alice", ledger.DefaultLevelCurve())
	p.TotalXP = 105
	p.Level = 2
	p.BadgeIDs = []string{"starter"}
	require.NoError(t, pc.SetProfile(ctx, p, 30*time.Second))

	got, err := pc.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(105), got.TotalXP)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, []string{"starter"}, got.BadgeIDs)

	mr.FastForward(31 * time.Second)
	_, err = pc.GetProfile(ctx, "alice")
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, pc.SetProfile(ctx, p, time.Minute))
	require.NoError(t, pc.DeleteProfile(ctx, "alice"))
	_, err = pc.GetProfile(ctx, "alice")
	assert.True(t, shared.IsNotFound(err))
}

func TestCacheRejectsEmptyKey(t *testing.T) {
	client, _ := newTestClient(t)
	c := NewCache(client)
	assert.ErrorIs(t, c.Set(context.Background(), "", 1, 0), ErrCacheKeyEmpty)
	assert.ErrorIs(t, c.Get(context.Background(), "", new(int)), ErrCacheKeyEmpty)
}
