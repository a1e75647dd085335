package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestMultiplierApplyRounding(t *testing.T) {
	tests := []struct {
		name string
		base int64
		m    Multiplier
		want int64
	}{
		{"neutral", 50, One, 50},
		{"streak bonus", 50, 1100, 55},
		{"half rounds up", 5, 1100, 6}, // 5.5
		{"below half rounds down", 3, 1100, 3},
		{"zero multiplier", 40, 0, 0},
		{"cap", 50, 2000, 100},
		{"weekend stacked", 50, Multiplier(1100).Mul(1200), 66},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Apply(tt.base))
		})
	}
}

func TestMultiplierString(t *testing.T) {
	assert.Equal(t, "1.100", Multiplier(1100).String())
	assert.Equal(t, Multiplier(1250), MultiplierFromFloat(1.25))
	assert.InDelta(t, 1.2, Multiplier(1200).Float(), 1e-9)
}

func TestLevelCurveThresholds(t *testing.T) {
	c := DefaultLevelCurve()
	assert.Equal(t, int64(0), c.Threshold(1))
	assert.Equal(t, int64(100), c.Threshold(2))
	assert.Equal(t, int64(300), c.Threshold(3))
	assert.Equal(t, int64(600), c.Threshold(4))
	assert.Equal(t, int64(1000), c.Threshold(5))

	assert.Equal(t, 1, c.LevelFor(0))
	assert.Equal(t, 1, c.LevelFor(50))
	assert.Equal(t, 1, c.LevelFor(99))
	assert.Equal(t, 2, c.LevelFor(100))
	assert.Equal(t, 2, c.LevelFor(105))
	assert.Equal(t, 3, c.LevelFor(300))

	assert.Equal(t, int64(50), c.XPToNextLevel(50))
	assert.Equal(t, int64(195), c.XPToNextLevel(105))
}

func TestLevelCurveIsMonotonic(t *testing.T) {
	c := LevelCurve{Constant: 37}
	prev := c.LevelFor(0)
	for xp := int64(1); xp < 20000; xp += 7 {
		level := c.LevelFor(xp)
		require.GreaterOrEqual(t, level, prev, "level decreased at xp=%d", xp)
		require.LessOrEqual(t, level-prev, 1, "level skipped at xp=%d", xp)
		prev = level
	}

	for l := 2; l < 50; l++ {
		stepPrev := c.Threshold(l) - c.Threshold(l-1)
		step := c.Threshold(l+1) - c.Threshold(l)
		assert.Greater(t, step, stepPrev)
	}
}

func validParams() NewXPEventParams {
	return NewXPEventParams{
		UserID:         "user-1",
		Type:           EventTaskCompleted,
		BaseAmount:     50,
		Multiplier:     1100,
		Source:         SourceAutoAward,
		IdempotencyKey: "task-42",
		Timestamp:      time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC),
	}
}

func TestNewXPEventDerivesAwardedAmount(t *testing.T) {
	ev, err := NewXPEvent(validParams())
	require.NoError(t, err)
	assert.Equal(t, int64(55), ev.AwardedAmount)
	assert.NotEmpty(t, ev.ID)
	assert.Len(t, ev.Fingerprint, 64)
}

func TestNewXPEventValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *NewXPEventParams)
	}{
		{"zero base", func(p *NewXPEventParams) { p.BaseAmount = 0 }},
		{"negative base", func(p *NewXPEventParams) { p.BaseAmount = -5 }},
		{"unknown type", func(p *NewXPEventParams) { p.Type = "bogus" }},
		{"empty key", func(p *NewXPEventParams) { p.IdempotencyKey = "  " }},
		{"empty user", func(p *NewXPEventParams) { p.UserID = "" }},
		{"negative multiplier", func(p *NewXPEventParams) { p.Multiplier = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			_, err := NewXPEvent(p)
			assert.True(t, shared.IsValidation(err), "got %v", err)
		})
	}
}

func TestParseEventType(t *testing.T) {
	et, err := ParseEventType(" Task_Completed ")
	require.NoError(t, err)
	assert.Equal(t, EventTaskCompleted, et)

	_, err = ParseEventType("achievement_bonus")
	assert.True(t, shared.IsValidation(err))

	_, err = ParseEventType("nope")
	assert.True(t, shared.IsValidation(err))
}

func TestParseSource(t *testing.T) {
	src, err := ParseSource("")
	require.NoError(t, err)
	assert.Equal(t, SourceAutoAward, src)

	_, err = ParseSource("robot")
	assert.True(t, shared.IsValidation(err))
}

func TestSealComputesSnapshot(t *testing.T) {
	ev, err := NewXPEvent(validParams())
	require.NoError(t, err)

	require.NoError(t, ev.Seal(50, DefaultLevelCurve()))
	assert.Equal(t, int64(50), ev.TotalBefore)
	assert.Equal(t, int64(105), ev.TotalAfter)
	assert.Equal(t, 1, ev.LevelBefore)
	assert.Equal(t, 2, ev.LevelAfter)
	assert.True(t, ev.LeveledUp())
}

func TestSealRejectsDecrease(t *testing.T) {
	ev, err := NewXPEvent(validParams())
	require.NoError(t, err)
	ev.AwardedAmount = -10

	err = ev.Seal(100, DefaultLevelCurve())
	assert.True(t, shared.IsInvariantViolation(err))
}

func TestFingerprintDistinguishesPayloads(t *testing.T) {
	a := Fingerprint("u", EventTaskCompleted, 50, SourceAutoAward)
	b := Fingerprint("u", EventTaskCompleted, 50, SourceAutoAward)
	c := Fingerprint("u", EventTaskCompleted, 51, SourceAutoAward)
	d := Fingerprint("u", EventExercisePassed, 50, SourceAutoAward)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}
