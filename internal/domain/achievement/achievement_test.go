package achievement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	require.Greater(t, c.Len(), 0)

	all := c.All()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID, "catalog must be sorted by id")
	}

	a, ok := c.Get("streak_7")
	require.True(t, ok)
	assert.Equal(t, CategoryStreak, a.Category)
	assert.Equal(t, MetricLongestStreak, a.Rule.Metric)
}

func TestParseCatalogRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate id", `
achievements:
  - {id: a, category: skill, rarity: common, rule: {metric: level, threshold: 2}}
  - {id: a, category: skill, rarity: common, rule: {metric: level, threshold: 3}}
`},
		{"unknown category", `
achievements:
  - {id: a, category: cooking, rarity: common, rule: {metric: level, threshold: 2}}
`},
		{"unknown rarity", `
achievements:
  - {id: a, category: skill, rarity: mythic, rule: {metric: level, threshold: 2}}
`},
		{"zero threshold", `
achievements:
  - {id: a, category: skill, rarity: common, rule: {metric: level, threshold: 0}}
`},
		{"event count without type", `
achievements:
  - {id: a, category: skill, rarity: common, rule: {metric: event_count, threshold: 1}}
`},
		{"negative reward", `
achievements:
  - {id: a, category: skill, rarity: common, xp_reward: -1, rule: {metric: level, threshold: 2}}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog([]Achievement{
		{ID: "streak_3", Category: CategoryStreak, Rarity: RarityCommon, Badge: "warm",
			Rule: Rule{Metric: MetricLongestStreak, Threshold: 3}},
		{ID: "first_task", Category: CategoryMilestone, Rarity: RarityCommon,
			Rule: Rule{Metric: MetricEventCount, EventType: ledger.EventTaskCompleted, Threshold: 1}},
		{ID: "level_2", Category: CategoryMilestone, Rarity: RarityRare, XPReward: 20,
			Rule: Rule{Metric: MetricLevel, Threshold: 2}},
		{ID: "collector", Category: CategorySpecial, Rarity: RarityEpic,
			Rule: Rule{Metric: MetricAchievementsUnlocked, Threshold: 2}},
	})
	require.NoError(t, err)
	return c
}

func TestEvaluateIsDeterministicAndSorted(t *testing.T) {
	e := NewEngine(testCatalog(t))
	snap := Snapshot{
		Level:         2,
		LongestStreak: 3,
		EventCounts:   map[ledger.EventType]int{ledger.EventTaskCompleted: 1},
	}

	got := e.Evaluate(snap, nil)
	ids := make([]string, 0, len(got))
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"first_task", "level_2", "streak_3"}, ids)
	assert.Equal(t, got, e.Evaluate(snap, nil))
}

func TestEvaluateSkipsUnlocked(t *testing.T) {
	e := NewEngine(testCatalog(t))
	snap := Snapshot{Level: 2, EventCounts: map[ledger.EventType]int{ledger.EventTaskCompleted: 3}}

	unlocked := map[string]bool{"first_task": true, "level_2": true}
	assert.Empty(t, e.Evaluate(snap, unlocked))

	// A larger snapshot never un-earns anything and only adds candidates.
	snap.UnlockedCount = 2
	got := e.Evaluate(snap, unlocked)
	require.Len(t, got, 1)
	assert.Equal(t, "collector", got[0].ID)
}

func TestStatusesAndBadges(t *testing.T) {
	e := NewEngine(testCatalog(t))
	at := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	unlocks := []Unlock{{UserID: shared.UserID("u"), AchievementID: "streak_3", UnlockedAt: at}}

	all := e.Statuses(unlocks, "", false)
	assert.Len(t, all, 4)

	only := e.Statuses(unlocks, "", true)
	require.Len(t, only, 1)
	assert.Equal(t, "streak_3", only[0].ID)
	assert.Equal(t, at, *only[0].UnlockedAt)

	milestones := e.Statuses(unlocks, CategoryMilestone, false)
	assert.Len(t, milestones, 2)
	for _, s := range milestones {
		assert.False(t, s.Unlocked())
	}

	assert.Equal(t, []string{"warm"}, e.BadgeIDs(unlocks))
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("Streak")
	require.NoError(t, err)
	assert.Equal(t, CategoryStreak, c)

	c, err = ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, Category(""), c)

	_, err = ParseCategory("nope")
	assert.True(t, shared.IsValidation(err))
}
