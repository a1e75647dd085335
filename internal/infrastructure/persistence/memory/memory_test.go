package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

var t0 = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func mustEvent(t *testing.T, user shared.UserID, key string, base int64, at time.Time) *ledger.XPEvent {
	t.Helper()
	ev, err := ledger.NewXPEvent(ledger.NewXPEventParams{
		UserID: user, Type: ledger.EventTaskCompleted, BaseAmount: base,
		Multiplier: ledger.One, Source: ledger.SourceAutoAward, IdempotencyKey: key, Timestamp: at,
	})
	require.NoError(t, err)
	return ev
}

func TestLedgerAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	curve := ledger.DefaultLevelCurve()

	first, created, err := s.Append(ctx, mustEvent(t, "u", "k1", 50, t0), curve)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.Append(ctx, mustEvent(t, "u", "k1", 50, t0), curve)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	total, err := s.TotalXP(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(50), total)
}

func TestLedgerConcurrentAppendsKeepTotalsConsistent(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	curve := ledger.DefaultLevelCurve()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := mustEvent(t, "u", fmt.Sprintf("k%d", i), 10, t0)
			_, _, err := s.Append(ctx, ev, curve)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total, err := s.TotalXP(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(500), total)

	evs, err := s.ListByUser(ctx, "u", 0)
	require.NoError(t, err)
	require.Len(t, evs, 50)
	// Newest first; each event's snapshot chains onto the previous one.
	for i := 0; i < len(evs)-1; i++ {
		assert.Equal(t, evs[i+1].TotalAfter, evs[i].TotalBefore)
	}
}

func TestLedgerStandings(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	curve := ledger.DefaultLevelCurve()

	_, _, _ = s.Append(ctx, mustEvent(t, "bob", "1", 30, t0.AddDate(0, 0, -10)), curve)
	_, _, _ = s.Append(ctx, mustEvent(t, "bob", "2", 20, t0), curve)
	_, _, _ = s.Append(ctx, mustEvent(t, "amy", "1", 50, t0), curve)
	_, _, _ = s.Append(ctx, mustEvent(t, "cat", "1", 10, t0), curve)

	all, err := s.Standings(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, shared.UserID("amy"), all[0].UserID) // tie on 50, amy < bob
	assert.Equal(t, shared.UserID("bob"), all[1].UserID)

	recent, err := s.Standings(ctx, t0.AddDate(0, 0, -1), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ledger.Standing{UserID: "amy", TotalXP: 50}, recent[0])
	assert.Equal(t, ledger.Standing{UserID: "bob", TotalXP: 20}, recent[1])
}

func TestStreakStore(t *testing.T) {
	ctx := context.Background()
	s := NewStreakStore()

	_, err := s.Get(ctx, "u")
	assert.True(t, shared.IsNotFound(err))

	st := streak.New("u", "UTC")
	st.Update(timeutil.NewDate(2026, time.October, 18))
	require.NoError(t, s.Save(ctx, st))

	// Mutating the caller's copy does not leak into the store.
	st.CurrentStreak = 99
	got, err := s.Get(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStreak)

	active, err := s.ListActiveSince(ctx, timeutil.NewDate(2026, time.October, 18))
	require.NoError(t, err)
	assert.Len(t, active, 1)

	active, err = s.ListActiveSince(ctx, timeutil.NewDate(2026, time.October, 19))
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUnlockStoreStoresOnce(t *testing.T) {
	ctx := context.Background()
	s := NewUnlockStore()

	created, err := s.Unlock(ctx, achievement.Unlock{UserID: "u", AchievementID: "a", UnlockedAt: t0, TriggerEventID: "e1"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Unlock(ctx, achievement.Unlock{UserID: "u", AchievementID: "a", UnlockedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)

	list, err := s.ListByUser(ctx, "u")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, t0, list[0].UnlockedAt)

	byTrigger, err := s.ListByTrigger(ctx, "u", "e1")
	require.NoError(t, err)
	assert.Len(t, byTrigger, 1)
}

func TestSubmissionHistory(t *testing.T) {
	ctx := context.Background()
	h := NewSubmissionHistory()

	require.NoError(t, h.Record(ctx, retention.Submission{UserID: "u", Topic: "maps", Difficulty: "hard", SubmittedAt: t0}))
	require.NoError(t, h.Record(ctx, retention.Submission{UserID: "u", Topic: "maps", SubmittedAt: t0.Add(-time.Hour)}))

	th, err := h.Topic(ctx, "u", "maps")
	require.NoError(t, err)
	assert.Equal(t, t0, th.LastPracticedAt)
	assert.Equal(t, retention.DifficultyHard, th.Difficulty)
	assert.Equal(t, 2, th.Attempts)

	_, err = h.Topic(ctx, "u", "slices")
	assert.True(t, shared.IsNotFound(err))

	err = h.Record(ctx, retention.Submission{UserID: "u", SubmittedAt: t0})
	assert.True(t, shared.IsValidation(err))
}
