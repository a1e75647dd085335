package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Monday, first day of ISO week 43.
var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func appendXP(t *testing.T, s *memory.LedgerStore, user shared.UserID, key string, amount int64, at time.Time) {
	t.Helper()
	ev, err := ledger.NewXPEvent(ledger.NewXPEventParams{
		UserID: user, Type: ledger.EventTaskCompleted, BaseAmount: amount,
		Multiplier: ledger.One, Source: ledger.SourceAutoAward, IdempotencyKey: key, Timestamp: at,
	})
	require.NoError(t, err)
	_, _, err = s.Append(context.Background(), ev, ledger.DefaultLevelCurve())
	require.NoError(t, err)
}

// ── Leaderboard ─────────────────────────────────────────────────────────────

func seedLeaderboard(t *testing.T) *memory.LedgerStore {
	s := memory.NewLedgerStore()
	appendXP(t, s, "carol", "c1", 300, now.Add(-48*time.Hour)) // last week
	appendXP(t, s, "bob", "b1", 100, now)
	appendXP(t, s, "alice", "a1", 100, now)
	appendXP(t, s, "dave", "d1", 50, now.Add(time.Hour))
	return s
}

func userIDs(entries []leaderboard.Entry) []shared.UserID {
	out := make([]shared.UserID, len(entries))
	for i, e := range entries {
		out[i] = e.UserID
	}
	return out
}

func TestLeaderboardFromLedger(t *testing.T) {
	h := NewGetLeaderboardHandler(seedLeaderboard(t), nil, nil, nil,
		ledger.DefaultLevelCurve(), shared.NewFixedClock(now), nil)

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.Equal(t, leaderboard.TimeframeAllTime, res.Timeframe)
	assert.False(t, res.FromCache)
	assert.Equal(t, []shared.UserID{"carol", "alice", "bob", "dave"}, userIDs(res.Entries))
	assert.Equal(t, 1, res.Entries[0].Rank)
	assert.Equal(t, 3, res.Entries[0].Level)
	assert.Equal(t, 4, res.Entries[3].Rank)

	res, err = h.Handle(context.Background(), GetLeaderboardQuery{Timeframe: "weekly", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, "2026-W43", res.Period)
	assert.Equal(t, []shared.UserID{"alice", "bob"}, userIDs(res.Entries))

	res, err = h.Handle(context.Background(), GetLeaderboardQuery{Timeframe: "monthly"})
	require.NoError(t, err)
	assert.Equal(t, "2026-10", res.Period)
	assert.Len(t, res.Entries, 4)
}

func TestLeaderboardValidation(t *testing.T) {
	h := NewGetLeaderboardHandler(memory.NewLedgerStore(), nil, nil, nil,
		ledger.DefaultLevelCurve(), shared.NewFixedClock(now), nil)

	_, err := h.Handle(context.Background(), GetLeaderboardQuery{Timeframe: "daily"})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(context.Background(), GetLeaderboardQuery{Limit: -1})
	assert.True(t, shared.IsValidation(err))
}

func TestLeaderboardLimitIsCapped(t *testing.T) {
	s := memory.NewLedgerStore()
	for i := 0; i < 120; i++ {
		appendXP(t, s, shared.UserID(fmt.Sprintf("u%03d", i)), "k", int64(i+1), now)
	}
	h := NewGetLeaderboardHandler(s, nil, nil, nil, ledger.DefaultLevelCurve(), shared.NewFixedClock(now), nil)

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, res.Entries, leaderboard.MaxLimit)

	res, err = h.Handle(context.Background(), GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.Len(t, res.Entries, leaderboard.DefaultLimit)
	assert.Equal(t, shared.UserID("u119"), res.Entries[0].UserID)
}

func TestLeaderboardServesCacheOnlyOnceBuilt(t *testing.T) {
	s := seedLeaderboard(t)
	cache := memory.NewLeaderboardCache()
	h := NewGetLeaderboardHandler(s, cache, nil, config.NewFeatureFlags(),
		ledger.DefaultLevelCurve(), shared.NewFixedClock(now), nil)
	ctx := context.Background()
	weekly := GetLeaderboardQuery{Timeframe: "weekly"}

	// An award lands in the ledger; its projection has not run yet.
	appendXP(t, s, "dave", "d2", 100, now)

	first, err := h.Handle(ctx, weekly)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, shared.UserID("dave"), first.Entries[0].UserID)
	assert.Equal(t, int64(150), first.Entries[0].TotalXP)

	_, built, err := cache.Top(ctx, leaderboard.TimeframeWeekly, first.Period, 0)
	require.NoError(t, err)
	assert.False(t, built, "a query never builds the bucket")

	// The late projection must not count the award a second time.
	require.NoError(t, cache.Increment(ctx, "dave", 100, now))
	second, err := h.Handle(ctx, weekly)
	require.NoError(t, err)
	assert.False(t, second.FromCache)
	assert.Equal(t, first.Entries, second.Entries)

	// The rebuild job replaces the bucket from the ledger.
	standings, err := s.Standings(ctx, leaderboard.TimeframeWeekly.Since(now), 0)
	require.NoError(t, err)
	require.NoError(t, cache.Replace(ctx, leaderboard.TimeframeWeekly, first.Period, standings))

	third, err := h.Handle(ctx, weekly)
	require.NoError(t, err)
	assert.True(t, third.FromCache)
	assert.Equal(t, first.Entries, third.Entries)

	require.NoError(t, cache.Increment(ctx, "bob", 200, now))
	fourth, err := h.Handle(ctx, weekly)
	require.NoError(t, err)
	assert.True(t, fourth.FromCache)
	assert.Equal(t, shared.UserID("bob"), fourth.Entries[0].UserID)
	assert.Equal(t, int64(300), fourth.Entries[0].TotalXP)
}

type failingCache struct {
	calls int
}

func (c *failingCache) Increment(context.Context, shared.UserID, int64, time.Time) error {
	return errors.New("connection refused")
}

func (c *failingCache) Top(context.Context, leaderboard.Timeframe, string, int) ([]ledger.Standing, bool, error) {
	c.calls++
	return nil, false, errors.New("connection refused")
}

func (c *failingCache) Replace(context.Context, leaderboard.Timeframe, string, []ledger.Standing) error {
	c.calls++
	return errors.New("connection refused")
}

func TestLeaderboardFallsBackWhenCacheFails(t *testing.T) {
	cache := &failingCache{}
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2), circuitbreaker.WithTimeout(time.Hour))
	h := NewGetLeaderboardHandler(seedLeaderboard(t), cache, breaker, config.NewFeatureFlags(),
		ledger.DefaultLevelCurve(), shared.NewFixedClock(now), nil)

	for i := 0; i < 5; i++ {
		res, err := h.Handle(context.Background(), GetLeaderboardQuery{})
		require.NoError(t, err)
		assert.False(t, res.FromCache)
		assert.Len(t, res.Entries, 4)
	}
	assert.True(t, breaker.IsOpen())
	assert.Equal(t, 2, cache.calls, "open breaker stops hitting the cache")
}

func TestLeaderboardCacheFlagOff(t *testing.T) {
	cache := &failingCache{}
	flags := config.NewFeatureFlags()
	require.NoError(t, flags.DisableFeature(config.FeatureLeaderboardCache))
	h := NewGetLeaderboardHandler(seedLeaderboard(t), cache, nil, flags,
		ledger.DefaultLevelCurve(), shared.NewFixedClock(now), nil)

	_, err := h.Handle(context.Background(), GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.Zero(t, cache.calls)
}

// ── Profile ─────────────────────────────────────────────────────────────────

type profileFixture struct {
	clock   *shared.FixedClock
	ledger  *memory.LedgerStore
	streaks *memory.StreakStore
	unlocks *memory.UnlockStore
	handler *GetProfileHandler
}

func newProfileFixture(t *testing.T) *profileFixture {
	f := &profileFixture{
		clock:   shared.NewFixedClock(now),
		ledger:  memory.NewLedgerStore(),
		streaks: memory.NewStreakStore(),
		unlocks: memory.NewUnlockStore(),
	}
	engine := achievement.NewEngine(achievement.DefaultCatalog())
	f.handler = NewGetProfileHandler(f.ledger, f.streaks, f.unlocks,
		progress.NewBuilder(ledger.DefaultLevelCurve(), engine), f.clock, nil)
	return f
}

func TestGetProfileAssemblesSources(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	appendXP(t, f.ledger, "alice", "k1", 150, now)
	st := streak.New("alice", "UTC")
	st.Update(timeutil.NewDate(2026, 10, 18))
	st.Update(timeutil.NewDate(2026, 10, 19))
	require.NoError(t, f.streaks.Save(ctx, st))
	_, err := f.unlocks.Unlock(ctx, achievement.Unlock{UserID: "alice", AchievementID: "streak_7", UnlockedAt: now})
	require.NoError(t, err)

	p, err := f.handler.Handle(ctx, GetProfileQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(150), p.TotalXP)
	assert.Equal(t, 2, p.Level)
	assert.Equal(t, int64(150), p.XPToNextLevel)
	assert.Equal(t, 2, p.Streak.CurrentStreak)
	assert.Equal(t, streak.StatusActive, p.Streak.Status)
	assert.Equal(t, 1, p.AchievementsUnlockedCount)
	assert.Equal(t, []string{"fire_week"}, p.BadgeIDs)
}

func TestGetProfileNewUser(t *testing.T) {
	f := newProfileFixture(t)

	p, err := f.handler.Handle(context.Background(), GetProfileQuery{UserID: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, p.TotalXP)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, streak.StatusBroken, p.Streak.Status)
	assert.Empty(t, p.BadgeIDs)

	_, err = f.handler.Handle(context.Background(), GetProfileQuery{UserID: " "})
	assert.True(t, shared.IsValidation(err))
}

func TestGetProfileCachesUntilInvalidated(t *testing.T) {
	f := newProfileFixture(t)
	ctx := context.Background()

	appendXP(t, f.ledger, "alice", "k1", 50, now)
	p, err := f.handler.Handle(ctx, GetProfileQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.TotalXP)

	appendXP(t, f.ledger, "alice", "k2", 50, now)
	p, err = f.handler.Handle(ctx, GetProfileQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.TotalXP, "served from cache")

	require.NoError(t, f.handler.Invalidate(ctx, "alice"))
	p, err = f.handler.Handle(ctx, GetProfileQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.TotalXP)

	appendXP(t, f.ledger, "alice", "k3", 50, now)
	f.clock.Advance(time.Minute)
	p, err = f.handler.Handle(ctx, GetProfileQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(150), p.TotalXP, "expired entry is reloaded")
}

// gatedLedger blocks the first TotalXP read after it has been taken, so a
// mutation can land while a profile load is in flight.
type gatedLedger struct {
	*memory.LedgerStore
	reading chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLedger() *gatedLedger {
	return &gatedLedger{
		LedgerStore: memory.NewLedgerStore(),
		reading:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedLedger) TotalXP(ctx context.Context, userID shared.UserID) (int64, error) {
	total, err := g.LedgerStore.TotalXP(ctx, userID)
	g.once.Do(func() {
		close(g.reading)
		<-g.release
	})
	return total, err
}

type mapProfileCache struct {
	mu       sync.Mutex
	profiles map[shared.UserID]progress.GamificationProfile
}

func (c *mapProfileCache) GetProfile(_ context.Context, userID shared.UserID) (*progress.GamificationProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.profiles[userID]
	if !ok {
		return nil, shared.NotFound("cache", "GetProfile", "no profile for %s", userID)
	}
	return &p, nil
}

func (c *mapProfileCache) SetProfile(_ context.Context, p progress.GamificationProfile, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.UserID] = p
	return nil
}

func (c *mapProfileCache) DeleteProfile(_ context.Context, userID shared.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.profiles, userID)
	return nil
}

func TestGetProfileDoesNotCacheLoadRacingInvalidation(t *testing.T) {
	ctx := context.Background()
	gated := newGatedLedger()
	remote := &mapProfileCache{profiles: map[shared.UserID]progress.GamificationProfile{}}
	engine := achievement.NewEngine(achievement.DefaultCatalog())
	h := NewGetProfileHandler(gated, memory.NewStreakStore(), memory.NewUnlockStore(),
		progress.NewBuilder(ledger.DefaultLevelCurve(), engine), shared.NewFixedClock(now), nil,
		WithProfileCache(remote))

	type result struct {
		p   *progress.GamificationProfile
		err error
	}
	inFlight := make(chan result, 1)
	go func() {
		p, err := h.Handle(ctx, GetProfileQuery{UserID: "alice"})
		inFlight <- result{p, err}
	}()

	<-gated.reading
	appendXP(t, gated.LedgerStore, "alice", "k1", 50, now)
	require.NoError(t, h.Invalidate(ctx, "alice"))
	close(gated.release)

	stale := <-inFlight
	require.NoError(t, stale.err)
	assert.Zero(t, stale.p.TotalXP, "the racing load answers with what it read")

	_, err := remote.GetProfile(ctx, "alice")
	assert.True(t, shared.IsNotFound(err), "the racing load is not written to the shared cache")

	p, err := h.Handle(ctx, GetProfileQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), p.TotalXP)

	cached, err := remote.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cached.TotalXP)
}

// ── Achievements ────────────────────────────────────────────────────────────

func TestListAchievements(t *testing.T) {
	unlocks := memory.NewUnlockStore()
	ctx := context.Background()
	_, err := unlocks.Unlock(ctx, achievement.Unlock{UserID: "alice", AchievementID: "streak_3", UnlockedAt: now})
	require.NoError(t, err)
	_, err = unlocks.Unlock(ctx, achievement.Unlock{UserID: "alice", AchievementID: "first_steps", UnlockedAt: now})
	require.NoError(t, err)

	catalog := achievement.DefaultCatalog()
	h := NewListAchievementsHandler(achievement.NewEngine(catalog), unlocks)

	all, err := h.Handle(ctx, ListAchievementsQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, all, catalog.Len())
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	streaks, err := h.Handle(ctx, ListAchievementsQuery{UserID: "alice", Category: "streak"})
	require.NoError(t, err)
	for _, s := range streaks {
		assert.Equal(t, achievement.CategoryStreak, s.Category)
	}

	unlocked, err := h.Handle(ctx, ListAchievementsQuery{UserID: "alice", UnlockedOnly: true})
	require.NoError(t, err)
	require.Len(t, unlocked, 2)
	assert.Equal(t, "first_steps", unlocked[0].ID)
	assert.True(t, unlocked[0].Unlocked())

	_, err = h.Handle(ctx, ListAchievementsQuery{UserID: "alice", Category: "cooking"})
	assert.True(t, shared.IsValidation(err))
}

// ── Retention ───────────────────────────────────────────────────────────────

func newRetention(t *testing.T, flags *config.FeatureFlags) (*RetentionHandler, *memory.SubmissionHistory, *memory.RecordStore) {
	scorer, err := retention.NewScorer(retention.DefaultConfig())
	require.NoError(t, err)
	history := memory.NewSubmissionHistory()
	records := memory.NewRecordStore()
	return NewRetentionHandler(scorer, history, records, flags, shared.NewFixedClock(now), nil), history, records
}

func TestScoreRetentionFromHistory(t *testing.T) {
	h, history, _ := newRetention(t, config.NewFeatureFlags())
	ctx := context.Background()
	require.NoError(t, history.Record(ctx, retention.Submission{
		UserID: "alice", Topic: "graphs", Difficulty: retention.DifficultyHard, Passed: true, SubmittedAt: now,
	}))

	rec, err := h.Score(ctx, ScoreRetentionQuery{UserID: "alice", Topic: "graphs"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rec.RetentionScore, 1e-9)
	assert.Equal(t, retention.UrgencyNone, rec.ReviewUrgency)
	assert.Equal(t, retention.DifficultyHard, rec.Difficulty)

	_, err = h.Score(ctx, ScoreRetentionQuery{UserID: "alice", Topic: "trees"})
	assert.True(t, shared.IsNotFound(err))
}

func TestScoreRetentionExplicitDate(t *testing.T) {
	h, _, records := newRetention(t, config.NewFeatureFlags())
	ctx := context.Background()

	last := now.Add(-30 * 24 * time.Hour)
	rec, err := h.Score(ctx, ScoreRetentionQuery{UserID: "alice", Topic: "sql", LastPracticedAt: &last})
	require.NoError(t, err)
	assert.Equal(t, retention.DifficultyMedium, rec.Difficulty)
	assert.Equal(t, retention.UrgencyCritical, rec.ReviewUrgency)
	assert.Equal(t, now, rec.RecommendedReviewDate)

	stored, err := records.Latest(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, stored, "snapshot persistence is off by default")

	_, err = h.Score(ctx, ScoreRetentionQuery{UserID: "alice", Topic: "  "})
	assert.True(t, shared.IsValidation(err))
}

func TestReviewQueuePersistsWhenEnabled(t *testing.T) {
	flags := config.NewFeatureFlags()
	require.NoError(t, flags.EnableFeature(config.FeaturePersistRetention))
	h, history, records := newRetention(t, flags)
	ctx := context.Background()

	for _, s := range []retention.Submission{
		{UserID: "alice", Topic: "arrays", Difficulty: retention.DifficultyEasy, SubmittedAt: now.Add(-2 * 24 * time.Hour)},
		{UserID: "alice", Topic: "graphs", Difficulty: retention.DifficultyHard, SubmittedAt: now.Add(-2 * 24 * time.Hour)},
		{UserID: "alice", Topic: "sql", Difficulty: retention.DifficultyMedium, SubmittedAt: now.Add(-time.Hour)},
	} {
		require.NoError(t, history.Record(ctx, s))
	}

	queue, err := h.ReviewQueue(ctx, GetReviewQueueQuery{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "graphs", queue[0].Topic)
	assert.Equal(t, "arrays", queue[1].Topic)
	assert.Equal(t, "sql", queue[2].Topic)

	limited, err := h.ReviewQueue(ctx, GetReviewQueueQuery{UserID: "alice", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stored, err := records.Latest(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}
