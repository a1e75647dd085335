package achievement

import (
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
)

// Metric is a monotonic quantity a rule observes.
type Metric string

const (
	MetricTotalXP              Metric = "total_xp"
	MetricLevel                Metric = "level"
	MetricLongestStreak        Metric = "longest_streak"
	MetricEventCount           Metric = "event_count"
	MetricAchievementsUnlocked Metric = "achievements_unlocked"
)

// IsValid reports whether the metric is known.
func (m Metric) IsValid() bool {
	switch m {
	case MetricTotalXP, MetricLevel, MetricLongestStreak, MetricEventCount, MetricAchievementsUnlocked:
		return true
	}
	return false
}

// Snapshot is the view of a user's progress that rules are evaluated against.
// Every field only ever grows, which keeps unlocks from being un-earned.
type Snapshot struct {
	TotalXP       int64
	Level         int
	LongestStreak int
	EventCounts   map[ledger.EventType]int
	UnlockedCount int
}

// Rule is an unlock predicate: Metric >= Threshold.
type Rule struct {
	Metric    Metric `json:"metric"`
	Threshold int64  `json:"threshold"`
	// EventType scopes MetricEventCount.
	EventType ledger.EventType `json:"event_type,omitempty"`
}

// Satisfied evaluates the rule against a snapshot. Pure.
func (r Rule) Satisfied(s Snapshot) bool {
	return r.observe(s) >= r.Threshold
}

func (r Rule) observe(s Snapshot) int64 {
	switch r.Metric {
	case MetricTotalXP:
		return s.TotalXP
	case MetricLevel:
		return int64(s.Level)
	case MetricLongestStreak:
		return int64(s.LongestStreak)
	case MetricEventCount:
		return int64(s.EventCounts[r.EventType])
	case MetricAchievementsUnlocked:
		return int64(s.UnlockedCount)
	default:
		return 0
	}
}

func (r Rule) validate() error {
	if !r.Metric.IsValid() {
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	if r.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %d", r.Threshold)
	}
	if r.Metric == MetricEventCount && !r.EventType.IsValid() {
		return fmt.Errorf("event_count rule needs a known event_type, got %q", r.EventType)
	}
	if r.Metric != MetricEventCount && r.EventType != "" {
		return fmt.Errorf("event_type only applies to event_count rules")
	}
	return nil
}

// String renders the rule for logs.
func (r Rule) String() string {
	if r.Metric == MetricEventCount {
		return fmt.Sprintf("%s[%s]>=%d", r.Metric, r.EventType, r.Threshold)
	}
	return fmt.Sprintf("%s>=%d", r.Metric, r.Threshold)
}
