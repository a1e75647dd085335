package command

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

// Monday.
var monday = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *shared.FixedClock
	ledger  *memory.LedgerStore
	streaks *memory.StreakStore
	unlocks *memory.UnlockStore
	flags   *config.FeatureFlags
	dropped *invalidations
	award   *AwardXPHandler
	streak  *UpdateStreakHandler
}

func newFixture(t *testing.T, catalog *achievement.Catalog) *fixture {
	t.Helper()
	if catalog == nil {
		var err error
		catalog, err = achievement.NewCatalog(nil)
		require.NoError(t, err)
	}

	f := &fixture{
		clock:   shared.NewFixedClock(monday),
		ledger:  memory.NewLedgerStore(),
		streaks: memory.NewStreakStore(),
		unlocks: memory.NewUnlockStore(),
		flags:   config.NewFeatureFlags(),
		dropped: &invalidations{},
	}
	engine := achievement.NewEngine(catalog)
	rules := DefaultRules()
	flow := saga.NewAchievementFlowSaga(f.ledger, f.streaks, f.unlocks, engine,
		progress.NewBuilder(rules.Curve, engine), nil, f.clock, nil)

	deps := Deps{
		Ledger:       f.ledger,
		Streaks:      f.streaks,
		Unlocks:      f.unlocks,
		Catalog:      catalog,
		Achievements: flow,
		Profiles:     f.dropped,
		Flags:        f.flags,
		Locks:        NewUserLocks(),
		Clock:        f.clock,
		Rules:        rules,
	}
	f.award = NewAwardXPHandler(deps)
	f.streak = NewUpdateStreakHandler(deps)
	return f
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

func (i *invalidations) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.users)
}

func (f *fixture) awardTask(t *testing.T, key string, base int64) *AwardXPResult {
	t.Helper()
	res, err := f.award.Handle(context.Background(), AwardXPCommand{
		UserID: "alice", EventType: "task_completed", BaseAmount: base, IdempotencyKey: key,
	})
	require.NoError(t, err)
	return res
}

func TestAwardAndStreakExampleScenario(t *testing.T) {
	f := newFixture(t, nil)

	first := f.awardTask(t, "task-1", 50)
	assert.Equal(t, int64(50), first.XPAwarded)
	assert.Equal(t, ledger.One, first.Multiplier)
	assert.Equal(t, int64(50), first.TotalXP)
	assert.Equal(t, 1, first.Level)
	assert.False(t, first.LevelUp)

	f.clock.Advance(24 * time.Hour)
	st, err := f.streak.Handle(context.Background(), UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-20"})
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStreak)
	assert.Equal(t, streak.StatusActive, st.Status)

	second := f.awardTask(t, "task-2", 50)
	assert.Equal(t, ledger.Multiplier(1100), second.Multiplier)
	assert.Equal(t, int64(55), second.XPAwarded)
	assert.Equal(t, int64(105), second.TotalXP)
	assert.Equal(t, 2, second.Level)
	assert.True(t, second.LevelUp)
}

func TestAwardIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)

	a := f.awardTask(t, "same", 40)
	b := f.awardTask(t, "same", 40)

	assert.False(t, a.Replayed)
	assert.True(t, b.Replayed)
	assert.Equal(t, a.EventID, b.EventID)
	assert.Equal(t, a.TotalXP, b.TotalXP)

	total, err := f.ledger.TotalXP(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), total)
}

func TestAwardReplayIgnoresLaterStreakChanges(t *testing.T) {
	f := newFixture(t, nil)
	a := f.awardTask(t, "k", 50)

	_, err := f.streak.Handle(context.Background(), UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-19"})
	require.NoError(t, err)

	// Same payload, different multiplier now: still the original result.
	b := f.awardTask(t, "k", 50)
	assert.Equal(t, a.XPAwarded, b.XPAwarded)
	assert.Equal(t, a.Multiplier, b.Multiplier)
}

func TestAwardConflictingPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.awardTask(t, "k", 50)

	_, err := f.award.Handle(context.Background(), AwardXPCommand{
		UserID: "alice", EventType: "task_completed", BaseAmount: 70, IdempotencyKey: "k",
	})
	assert.True(t, shared.IsConflict(err), "got %v", err)
}

func TestAwardValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name string
		cmd  AwardXPCommand
	}{
		{"zero amount", AwardXPCommand{UserID: "alice", EventType: "task_completed", BaseAmount: 0, IdempotencyKey: "k"}},
		{"negative amount", AwardXPCommand{UserID: "alice", EventType: "task_completed", BaseAmount: -1, IdempotencyKey: "k"}},
		{"unknown type", AwardXPCommand{UserID: "alice", EventType: "dance", BaseAmount: 5, IdempotencyKey: "k"}},
		{"reserved type", AwardXPCommand{UserID: "alice", EventType: "achievement_bonus", BaseAmount: 5, IdempotencyKey: "k"}},
		{"unknown source", AwardXPCommand{UserID: "alice", EventType: "task_completed", BaseAmount: 5, Source: "robot", IdempotencyKey: "k"}},
		{"missing key", AwardXPCommand{UserID: "alice", EventType: "task_completed", BaseAmount: 5}},
		{"bad user", AwardXPCommand{UserID: "", EventType: "task_completed", BaseAmount: 5, IdempotencyKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.award.Handle(context.Background(), tt.cmd)
			assert.True(t, shared.IsValidation(err), "got %v", err)
		})
	}

	total, err := f.ledger.TotalXP(context.Background(), "alice")
	require.NoError(t, err)
	assert.Zero(t, total, "rejected commands must not change state")
}

func TestWeekendBonus(t *testing.T) {
	f := newFixture(t, nil)
	f.clock.Set(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)) // Saturday

	res := f.awardTask(t, "sat", 50)
	assert.Equal(t, ledger.Multiplier(1200), res.Multiplier)
	assert.Equal(t, int64(60), res.XPAwarded)

	require.NoError(t, f.flags.DisableFeature(config.FeatureWeekendBonus))
	res = f.awardTask(t, "sat-2", 50)
	assert.Equal(t, ledger.One, res.Multiplier)
}

func TestBrokenStreakGivesNoBonus(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.streak.Handle(context.Background(), UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-19"})
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	res := f.awardTask(t, "late", 50)
	assert.Equal(t, ledger.One, res.Multiplier)
}

func TestAchievementCascade(t *testing.T) {
	catalog, err := achievement.NewCatalog([]achievement.Achievement{
		{ID: "first", Category: achievement.CategoryMilestone, Rarity: achievement.RarityCommon, XPReward: 100,
			Rule: achievement.Rule{Metric: achievement.MetricEventCount, EventType: ledger.EventTaskCompleted, Threshold: 1}},
		{ID: "level_2", Category: achievement.CategoryMilestone, Rarity: achievement.RarityCommon, XPReward: 10,
			Rule: achievement.Rule{Metric: achievement.MetricLevel, Threshold: 2}},
		{ID: "collector", Category: achievement.CategorySpecial, Rarity: achievement.RarityRare,
			Rule: achievement.Rule{Metric: achievement.MetricAchievementsUnlocked, Threshold: 2}},
	})
	require.NoError(t, err)
	f := newFixture(t, catalog)

	res := f.awardTask(t, "t1", 50)

	ids := make([]string, 0, len(res.NewAchievements))
	for _, a := range res.NewAchievements {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"first", "level_2", "collector"}, ids)
	assert.Equal(t, int64(160), res.TotalXP)
	assert.Equal(t, 2, res.Level)
	assert.True(t, res.LevelUp)

	total, err := f.ledger.TotalXP(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(160), total)

	// Replaying reports the same unlocks and nothing is granted twice.
	again := f.awardTask(t, "t1", 50)
	assert.Len(t, again.NewAchievements, 3)
	assert.Equal(t, res.TotalXP, again.TotalXP)

	next := f.awardTask(t, "t2", 10)
	assert.Empty(t, next.NewAchievements)
	assert.Equal(t, int64(170), next.TotalXP)
}

func TestAchievementsFlagOff(t *testing.T) {
	catalog, err := achievement.NewCatalog([]achievement.Achievement{
		{ID: "first", Category: achievement.CategoryMilestone, Rarity: achievement.RarityCommon, XPReward: 100,
			Rule: achievement.Rule{Metric: achievement.MetricEventCount, EventType: ledger.EventTaskCompleted, Threshold: 1}},
	})
	require.NoError(t, err)
	f := newFixture(t, catalog)
	require.NoError(t, f.flags.DisableFeature(config.FeatureAchievements))

	res := f.awardTask(t, "t1", 50)
	assert.Empty(t, res.NewAchievements)
	assert.Equal(t, int64(50), res.TotalXP)
}

func TestTotalsAreMonotonic(t *testing.T) {
	f := newFixture(t, achievement.DefaultCatalog())
	var prevTotal int64
	prevLevel := 1
	for i := 0; i < 60; i++ {
		if i%5 == 0 {
			f.clock.Advance(24 * time.Hour)
			date := f.clock.Now().Format("2006-01-02")
			_, err := f.streak.Handle(context.Background(), UpdateStreakCommand{UserID: "alice", ActivityDate: date})
			require.NoError(t, err)
		}
		key := i % 40
		res := f.awardTask(t, fmt.Sprintf("k-%d", key), int64(10+key%7))
		require.GreaterOrEqual(t, res.TotalXP, prevTotal)
		require.GreaterOrEqual(t, res.Level, prevLevel)
		if !res.Replayed {
			prevTotal, prevLevel = res.TotalXP, res.Level
		}
	}
}

func TestConcurrentAwardsForOneUser(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.award.Handle(context.Background(), AwardXPCommand{
				UserID: "alice", EventType: "exercise_passed", BaseAmount: 10,
				IdempotencyKey: fmt.Sprintf("k-%d", i%10),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total, err := f.ledger.TotalXP(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), total, "10 distinct keys, each applied once")
	assert.Zero(t, f.award.locks.Len())
}

func TestUpdateStreakTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-17"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LongestStreak)
	assert.Equal(t, streak.StatusBroken, res.Status, "two days ago counts as broken today")
	assert.Equal(t, 0, res.CurrentStreak)

	res, err = f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-18"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentStreak)
	assert.Equal(t, streak.StatusAtRisk, res.Status)

	// Skip the 19th.
	f.clock.Advance(24 * time.Hour)
	res, err = f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-20"})
	require.NoError(t, err)
	assert.True(t, res.Broken)
	assert.Equal(t, 1, res.CurrentStreak)
	assert.Equal(t, 2, res.LongestStreak)
	assert.Equal(t, streak.StatusActive, res.Status)

	res, err = f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-20"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestUpdateStreakValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "19/10/2026"})
	assert.True(t, shared.IsValidation(err))

	_, err = f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-25"})
	assert.True(t, shared.IsValidation(err))

	_, err = f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-19", TimeZone: "Mars/Olympus"})
	assert.True(t, shared.IsValidation(err))
}

func TestUpdateStreakPersistsTimeZone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// 22:00 UTC on the 19th is already the 20th in Almaty.
	f.clock.Set(time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC))
	res, err := f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-20", TimeZone: "Asia/Almaty"})
	require.NoError(t, err)
	assert.Equal(t, streak.StatusActive, res.Status)

	st, err := f.streaks.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Almaty", st.TimeZone)
}

func TestStreakAchievementsUnlockOnUpdate(t *testing.T) {
	catalog, err := achievement.NewCatalog([]achievement.Achievement{
		{ID: "streak_2", Category: achievement.CategoryStreak, Rarity: achievement.RarityCommon, XPReward: 20,
			Rule: achievement.Rule{Metric: achievement.MetricLongestStreak, Threshold: 2}},
	})
	require.NoError(t, err)
	f := newFixture(t, catalog)
	ctx := context.Background()

	_, err = f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-18"})
	require.NoError(t, err)
	res, err := f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-19"})
	require.NoError(t, err)

	require.Len(t, res.NewAchievements, 1)
	assert.Equal(t, "streak_2", res.NewAchievements[0].ID)
	assert.Equal(t, int64(20), res.TotalXP)

	unlocks, err := f.unlocks.ListByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Empty(t, unlocks[0].TriggerEventID)
}

func TestUserLocksSerialize(t *testing.T) {
	l := NewUserLocks()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("u")
			defer unlock()
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, l.Len())
}

func TestMutationsInvalidateProfileBeforeReturning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.awardTask(t, "task-1", 50)
	assert.Equal(t, 1, f.dropped.count())

	f.awardTask(t, "task-1", 50)
	assert.Equal(t, 1, f.dropped.count(), "a replay changes nothing")

	_, err := f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-19"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.dropped.count())

	_, err = f.streak.Handle(ctx, UpdateStreakCommand{UserID: "alice", ActivityDate: "2026-10-19"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.dropped.count(), "same-day tick is a no-op")

	assert.Equal(t, []shared.UserID{"alice", "alice"}, f.dropped.users)
}
