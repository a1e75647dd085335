package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD CACHE
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardCache keeps rankings in Redis sorted sets.
//
// Architecture:
//   - Sorted Set "leaderboard:{timeframe}:{period}" stores userID -> XP
//   - String "leaderboard:{timeframe}:{period}:built" marks a bucket that
//     was filled from the ledger, so Top can tell a partial bucket (only
//     increments since startup) from a complete one
//
// Period buckets expire with Timeframe.TTL; all_time never expires.
type LeaderboardCache struct {
	client *redis.Client
}

// NewLeaderboardCache creates a new LeaderboardCache instance.
func NewLeaderboardCache(client *redis.Client) *LeaderboardCache {
	return &LeaderboardCache{client: client}
}

var _ leaderboard.Cache = (*LeaderboardCache)(nil)

func bucketKey(tf leaderboard.Timeframe, period string) string {
	return PrefixLeaderboard + string(tf) + ":" + period
}

func builtKey(tf leaderboard.Timeframe, period string) string {
	return bucketKey(tf, period) + ":built"
}

// Increment implements leaderboard.Cache.
func (c *LeaderboardCache) Increment(ctx context.Context, userID shared.UserID, delta int64, at time.Time) error {
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, tf := range leaderboard.Timeframes() {
			key := bucketKey(tf, tf.Period(at.UTC()))
			p.ZIncrBy(ctx, key, float64(delta), string(userID))
			if ttl := tf.TTL(); ttl > 0 {
				p.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return shared.Transient("redis", "Increment", err)
	}
	return nil
}

// Top implements leaderboard.Cache. Members tied with the last returned
// score are fetched as well so the user-id tiebreak is applied across the
// whole tie, not just the slice Redis happened to return.
func (c *LeaderboardCache) Top(ctx context.Context, tf leaderboard.Timeframe, period string, limit int) ([]ledger.Standing, bool, error) {
	key := bucketKey(tf, period)

	built, err := c.client.Exists(ctx, builtKey(tf, period)).Result()
	if err != nil {
		return nil, false, shared.Transient("redis", "Top", err)
	}
	if built == 0 {
		return nil, false, nil
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	top, err := c.client.ZRevRangeWithScores(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, false, shared.Transient("redis", "Top", err)
	}

	members := make(map[string]float64, len(top))
	for _, z := range top {
		members[z.Member.(string)] = z.Score
	}

	if limit > 0 && len(top) == limit {
		last := strconv.FormatFloat(top[len(top)-1].Score, 'f', -1, 64)
		ties, err := c.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: last, Max: last}).Result()
		if err != nil {
			return nil, false, shared.Transient("redis", "Top", err)
		}
		for _, z := range ties {
			members[z.Member.(string)] = z.Score
		}
	}

	out := make([]ledger.Standing, 0, len(members))
	for user, score := range members {
		if score <= 0 {
			continue
		}
		out = append(out, ledger.Standing{UserID: shared.UserID(user), TotalXP: int64(score)})
	}
	leaderboard.SortStandings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, true, nil
}

// Replace implements leaderboard.Cache. The swap runs in MULTI/EXEC so
// readers see either the old or the new bucket.
func (c *LeaderboardCache) Replace(ctx context.Context, tf leaderboard.Timeframe, period string, standings []ledger.Standing) error {
	key := bucketKey(tf, period)
	marker := builtKey(tf, period)
	ttl := tf.TTL()

	members := make([]redis.Z, 0, len(standings))
	for _, s := range standings {
		members = append(members, redis.Z{Score: float64(s.TotalXP), Member: string(s.UserID)})
	}

	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(members) > 0 {
			p.ZAdd(ctx, key, members...)
		}
		p.Set(ctx, marker, time.Now().UTC().Format(time.RFC3339), ttl)
		if ttl > 0 && len(members) > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return shared.Transient("redis", "Replace", fmt.Errorf("%s: %w", key, err))
	}
	return nil
}
