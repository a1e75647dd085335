package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Monday, ISO week 43.
var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events ...shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

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

// ── Rebuild leaderboard ─────────────────────────────────────────────────────

func TestRebuildLeaderboardFillsEveryTimeframe(t *testing.T) {
	store := memory.NewLedgerStore()
	appendXP(t, store, "carol", "c1", 300, now.AddDate(0, -2, 0))
	appendXP(t, store, "bob", "b1", 120, now.Add(-72*time.Hour)) // previous week, same month
	appendXP(t, store, "alice", "a1", 80, now)

	cache := memory.NewLeaderboardCache()
	pub := &recordingPublisher{}
	job := NewRebuildLeaderboardJob(store, cache, pub, config.NewFeatureFlags(), shared.NewFixedClock(now), nil)

	require.NoError(t, job.Run(context.Background()))

	top, ok, err := cache.Top(context.Background(), leaderboard.TimeframeAllTime, "all", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []ledger.Standing{
		{UserID: "carol", TotalXP: 300},
		{UserID: "bob", TotalXP: 120},
		{UserID: "alice", TotalXP: 80},
	}, top)

	top, ok, err = cache.Top(context.Background(), leaderboard.TimeframeMonthly, "2026-10", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, top, 2)

	top, ok, err = cache.Top(context.Background(), leaderboard.TimeframeWeekly, "2026-W43", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []ledger.Standing{{UserID: "alice", TotalXP: 80}}, top)

	assert.Len(t, pub.ofType(shared.EventLeaderboardRebuilt), 3)

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.False(t, stats.Skipped)
	assert.Equal(t, 3, stats.Entries[leaderboard.TimeframeAllTime])
	assert.Equal(t, 1, stats.Entries[leaderboard.TimeframeWeekly])
}

func TestRebuildLeaderboardSkippedWhenCacheDisabled(t *testing.T) {
	flags := config.NewFeatureFlags()
	require.NoError(t, flags.DisableFeature(config.FeatureLeaderboardCache))

	cache := memory.NewLeaderboardCache()
	job := NewRebuildLeaderboardJob(memory.NewLedgerStore(), cache, nil, flags, shared.NewFixedClock(now), nil)

	require.NoError(t, job.Run(context.Background()))
	assert.True(t, job.LastStats().Skipped)

	_, ok, err := cache.Top(context.Background(), leaderboard.TimeframeAllTime, "all", 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingCache struct{ *memory.LeaderboardCache }

func (failingCache) Replace(context.Context, leaderboard.Timeframe, string, []ledger.Standing) error {
	return errors.New("cache down")
}

func TestRebuildLeaderboardReportsCacheFailure(t *testing.T) {
	pub := &recordingPublisher{}
	job := NewRebuildLeaderboardJob(memory.NewLedgerStore(), failingCache{memory.NewLeaderboardCache()}, pub, nil, shared.NewFixedClock(now), nil)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache down")
	assert.Empty(t, pub.ofType(shared.EventLeaderboardRebuilt))
}

// ── At-risk streaks ─────────────────────────────────────────────────────────

func saveStreak(t *testing.T, s *memory.StreakStore, user shared.UserID, zone string, days ...timeutil.Date) {
	t.Helper()
	st := streak.New(user, zone)
	for _, d := range days {
		st.Update(d)
	}
	require.NoError(t, s.Save(context.Background(), st))
}

func TestDetectAtRiskPublishesOncePerDay(t *testing.T) {
	store := memory.NewStreakStore()
	saveStreak(t, store, "alice", "", timeutil.NewDate(2026, 10, 17), timeutil.NewDate(2026, 10, 18)) // at risk
	saveStreak(t, store, "bob", "", timeutil.NewDate(2026, 10, 19))                                   // active
	saveStreak(t, store, "carol", "", timeutil.NewDate(2026, 10, 10))                                 // broken

	clock := shared.NewFixedClock(now)
	pub := &recordingPublisher{}
	job := NewDetectAtRiskJob(store, pub, nil, clock, nil)

	require.NoError(t, job.Run(context.Background()))
	events := pub.ofType(shared.EventStreakAtRisk)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].AggregateID())
	assert.Equal(t, 2, events[0].(shared.StreakAtRiskEvent).CurrentStreak)

	clock.Advance(2 * time.Hour)
	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, pub.ofType(shared.EventStreakAtRisk), 1, "same local day is reported once")
}

func TestDetectAtRiskUsesUserZone(t *testing.T) {
	store := memory.NewStreakStore()
	// 22:00 UTC on the 19th is already the 20th in Auckland.
	saveStreak(t, store, "kiwi", "Pacific/Auckland", timeutil.NewDate(2026, 10, 19))
	saveStreak(t, store, "utc", "", timeutil.NewDate(2026, 10, 19))

	pub := &recordingPublisher{}
	job := NewDetectAtRiskJob(store, pub, nil, shared.NewFixedClock(now.Add(12*time.Hour)), nil)

	require.NoError(t, job.Run(context.Background()))
	events := pub.ofType(shared.EventStreakAtRisk)
	require.Len(t, events, 1)
	assert.Equal(t, "kiwi", events[0].AggregateID())
}

// ── Retention snapshots ─────────────────────────────────────────────────────

func newRetentionFixture(t *testing.T, flags *config.FeatureFlags) (*memory.SubmissionHistory, *memory.RecordStore, *RetentionSnapshotJob) {
	t.Helper()
	history := memory.NewSubmissionHistory()
	records := memory.NewRecordStore()
	scorer, err := retention.NewScorer(retention.DefaultConfig())
	require.NoError(t, err)

	handler := query.NewRetentionHandler(scorer, history, records, flags, shared.NewFixedClock(now), nil)
	return history, records, NewRetentionSnapshotJob(history, handler, flags, nil)
}

func submit(t *testing.T, h *memory.SubmissionHistory, user shared.UserID, topic string, at time.Time) {
	t.Helper()
	require.NoError(t, h.Record(context.Background(), retention.Submission{
		UserID: user, Topic: topic, Difficulty: retention.DifficultyMedium, Passed: true, SubmittedAt: at,
	}))
}

func TestRetentionSnapshotStoresRecords(t *testing.T) {
	flags := config.NewFeatureFlags()
	require.NoError(t, flags.EnableFeature(config.FeaturePersistRetention))
	history, records, job := newRetentionFixture(t, flags)

	submit(t, history, "alice", "go-basics", now.Add(-48*time.Hour))
	submit(t, history, "alice", "sql", now.Add(-24*time.Hour))
	submit(t, history, "bob", "go-basics", now.Add(-time.Hour))

	require.NoError(t, job.Run(context.Background()))

	alice, err := records.Latest(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	for _, rec := range alice {
		assert.Equal(t, now, rec.ScoredAt)
		assert.Greater(t, rec.RetentionScore, 0.0)
		assert.Less(t, rec.RetentionScore, 1.0)
	}

	bob, err := records.Latest(context.Background(), "bob")
	require.NoError(t, err)
	assert.Len(t, bob, 1)
}

func TestRetentionSnapshotSkippedByDefault(t *testing.T) {
	history, records, job := newRetentionFixture(t, config.NewFeatureFlags())
	submit(t, history, "alice", "go-basics", now.Add(-48*time.Hour))

	require.NoError(t, job.Run(context.Background()))

	got, err := records.Latest(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, got)
}
