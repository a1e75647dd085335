package streak

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

func day(d int) timeutil.Date {
	return timeutil.NewDate(2026, time.October, d)
}

func TestFirstActivityStartsStreak(t *testing.T) {
	s := New("u1", "")
	tr := s.Update(day(19))

	assert.True(t, tr.Changed)
	assert.False(t, tr.Broken)
	assert.Equal(t, 1, s.CurrentStreak)
	assert.Equal(t, 1, s.LongestStreak)
	assert.Equal(t, day(19), s.LastActivityDate)
}

func TestSameDayIsNoop(t *testing.T) {
	s := New("u1", "")
	s.Update(day(19))
	tr := s.Update(day(19))

	assert.False(t, tr.Changed)
	assert.Equal(t, 1, s.CurrentStreak)
}

func TestConsecutiveDayIncrements(t *testing.T) {
	s := New("u1", "")
	s.Update(day(19))
	s.Update(day(20))
	s.Update(day(21))

	assert.Equal(t, 3, s.CurrentStreak)
	assert.Equal(t, 3, s.LongestStreak)
}

func TestGapResetsToOne(t *testing.T) {
	s := New("u1", "")
	s.Update(day(18))
	s.Update(day(19))
	tr := s.Update(day(21)) // skipped the 20th

	assert.True(t, tr.Broken)
	assert.Equal(t, 2, tr.LostStreak)
	assert.Equal(t, 1, s.CurrentStreak)
	assert.Equal(t, 2, s.LongestStreak)
	assert.Equal(t, day(21), s.StreakStartDate)
}

func TestBackdatedActivityIsIgnored(t *testing.T) {
	s := New("u1", "")
	s.Update(day(20))
	tr := s.Update(day(15))

	assert.False(t, tr.Changed)
	assert.Equal(t, day(20), s.LastActivityDate)
}

func TestLongestNeverBelowCurrent(t *testing.T) {
	s := New("u1", "")
	dates := []int{1, 2, 3, 5, 6, 7, 8, 9, 12, 13}
	for _, d := range dates {
		s.Update(day(d))
		require.GreaterOrEqual(t, s.LongestStreak, s.CurrentStreak)
	}
	assert.Equal(t, 5, s.LongestStreak)
	assert.Equal(t, 2, s.CurrentStreak)
}

func TestStatusDerivation(t *testing.T) {
	s := New("u1", "")
	assert.Equal(t, StatusBroken, s.StatusOn(day(19)))

	s.Update(day(19))
	assert.Equal(t, StatusActive, s.StatusOn(day(19)))
	assert.Equal(t, StatusAtRisk, s.StatusOn(day(20)))
	assert.Equal(t, StatusBroken, s.StatusOn(day(21)))

	assert.Equal(t, 1, s.EffectiveStreak(day(20)))
	assert.Equal(t, 0, s.EffectiveStreak(day(21)))
	assert.Equal(t, 1, s.LongestStreak)
}

func TestSnapshotUsesUserTimeZone(t *testing.T) {
	s := New("u1", "Asia/Almaty") // UTC+5
	s.Update(day(19))

	// 20:30 UTC on the 19th is already the 20th in Almaty.
	now := time.Date(2026, time.October, 19, 20, 30, 0, 0, time.UTC)
	snap := s.SnapshotAt(now)
	assert.Equal(t, StatusAtRisk, snap.Status)
	assert.Equal(t, 1, snap.CurrentStreak)
}

func TestValidateActivityDate(t *testing.T) {
	s := New("u1", "")
	now := time.Date(2026, time.October, 19, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, s.ValidateActivityDate(day(19), now))
	assert.NoError(t, s.ValidateActivityDate(day(20), now))
	assert.True(t, shared.IsValidation(s.ValidateActivityDate(day(22), now)))
	assert.True(t, shared.IsValidation(s.ValidateActivityDate(timeutil.Date{}, now)))
}

func TestMultiplierPolicy(t *testing.T) {
	p := DefaultMultiplierPolicy()
	assert.Equal(t, ledger.One, p.Multiplier(0))
	assert.Equal(t, ledger.Multiplier(1100), p.Multiplier(1))
	assert.Equal(t, ledger.Multiplier(1500), p.Multiplier(5))
	assert.Equal(t, ledger.Multiplier(2000), p.Multiplier(10))
	assert.Equal(t, ledger.Multiplier(2000), p.Multiplier(365))

	prev := p.Multiplier(0)
	for n := 1; n < 40; n++ {
		m := p.Multiplier(n)
		assert.GreaterOrEqual(t, m, prev)
		prev = m
	}
}
