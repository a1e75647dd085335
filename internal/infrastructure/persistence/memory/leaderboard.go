package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

type bucketKey struct {
	tf     leaderboard.Timeframe
	period string
}

// LeaderboardCache is an in-memory leaderboard.Cache.
type LeaderboardCache struct {
	mu      sync.Mutex
	buckets map[bucketKey]map[shared.UserID]int64
	built   map[bucketKey]bool
}

// NewLeaderboardCache creates an empty cache.
func NewLeaderboardCache() *LeaderboardCache {
	return &LeaderboardCache{
		buckets: make(map[bucketKey]map[shared.UserID]int64),
		built:   make(map[bucketKey]bool),
	}
}

var _ leaderboard.Cache = (*LeaderboardCache)(nil)

// Increment implements leaderboard.Cache.
func (c *LeaderboardCache) Increment(_ context.Context, userID shared.UserID, delta int64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tf := range leaderboard.Timeframes() {
		k := bucketKey{tf, tf.Period(at.UTC())}
		b, ok := c.buckets[k]
		if !ok {
			b = make(map[shared.UserID]int64)
			c.buckets[k] = b
		}
		b[userID] += delta
	}
	return nil
}

// Top implements leaderboard.Cache.
func (c *LeaderboardCache) Top(_ context.Context, tf leaderboard.Timeframe, period string, limit int) ([]ledger.Standing, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := bucketKey{tf, period}
	if !c.built[k] {
		return nil, false, nil
	}
	out := make([]ledger.Standing, 0, len(c.buckets[k]))
	for user, xp := range c.buckets[k] {
		out = append(out, ledger.Standing{UserID: user, TotalXP: xp})
	}
	leaderboard.SortStandings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, true, nil
}

// Replace implements leaderboard.Cache.
func (c *LeaderboardCache) Replace(_ context.Context, tf leaderboard.Timeframe, period string, standings []ledger.Standing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := make(map[shared.UserID]int64, len(standings))
	for _, s := range standings {
		b[s.UserID] = s.TotalXP
	}
	k := bucketKey{tf, period}
	c.buckets[k] = b
	c.built[k] = true
	return nil
}
