// Package leaderboard ranks users by awarded XP within a timeframe.
// Rankings are derived from the ledger and may be rebuilt at any time.
package leaderboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ══════════════════════════════════════════════════════════════════════════════
// TIMEFRAME
// ══════════════════════════════════════════════════════════════════════════════

// Timeframe selects which events count towards a ranking.
type Timeframe string

const (
	TimeframeAllTime Timeframe = "all_time"
	TimeframeWeekly  Timeframe = "weekly"
	TimeframeMonthly Timeframe = "monthly"
)

// Timeframes lists every supported timeframe.
func Timeframes() []Timeframe {
	return []Timeframe{TimeframeAllTime, TimeframeWeekly, TimeframeMonthly}
}

// ParseTimeframe parses s; empty means all_time.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	switch tf {
	case "":
		return TimeframeAllTime, nil
	case TimeframeAllTime, TimeframeWeekly, TimeframeMonthly:
		return tf, nil
	default:
		return "", shared.Validation("leaderboard", "ParseTimeframe", "unknown timeframe %q", s)
	}
}

// Since returns the first instant inside the timeframe containing now.
// Weeks are ISO weeks and months calendar months, both in UTC. The zero
// time is returned for all_time.
func (tf Timeframe) Since(now time.Time) time.Time {
	switch tf {
	case TimeframeWeekly:
		return timeutil.StartOfWeek(now, time.UTC)
	case TimeframeMonthly:
		return timeutil.StartOfMonth(now, time.UTC)
	default:
		return time.Time{}
	}
}

// Period identifies the bucket the timeframe falls into at t, e.g.
// "2026-W43" or "2026-10". It is "all" for all_time.
func (tf Timeframe) Period(t time.Time) string {
	switch tf {
	case TimeframeWeekly:
		return timeutil.WeekKey(t, time.UTC)
	case TimeframeMonthly:
		return timeutil.MonthKey(t, time.UTC)
	default:
		return "all"
	}
}

// TTL is how long a period bucket is worth keeping after it starts.
func (tf Timeframe) TTL() time.Duration {
	switch tf {
	case TimeframeWeekly:
		return 14 * 24 * time.Hour
	case TimeframeMonthly:
		return 62 * 24 * time.Hour
	default:
		return 0
	}
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, shared.Validation("leaderboard", "ClampLimit", "limit cannot be negative")
	case limit == 0:
		return DefaultLimit, nil
	case limit > MaxLimit:
		return MaxLimit, nil
	default:
		return limit, nil
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTRY
// ══════════════════════════════════════════════════════════════════════════════

// Entry is one ranked row.
type Entry struct {
	Rank    int           `json:"rank"`
	UserID  shared.UserID `json:"user_id"`
	TotalXP int64         `json:"total_xp"`
	Level   int           `json:"level"`
}

func (e Entry) String() string {
	return fmt.Sprintf("#%d %s (%d XP)", e.Rank, e.UserID, e.TotalXP)
}

// SortStandings orders standings by XP descending, then user id ascending.
func SortStandings(s []ledger.Standing) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].TotalXP != s[j].TotalXP {
			return s[i].TotalXP > s[j].TotalXP
		}
		return s[i].UserID < s[j].UserID
	})
}

// Rank sorts standings, truncates them to limit and assigns 1-based ranks.
// Level is derived from the curve; for period timeframes it reflects the XP
// earned within the period.
func Rank(standings []ledger.Standing, limit int, curve ledger.LevelCurve) []Entry {
	sorted := make([]ledger.Standing, len(standings))
	copy(sorted, standings)
	SortStandings(sorted)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	out := make([]Entry, len(sorted))
	for i, s := range sorted {
		out[i] = Entry{
			Rank:    i + 1,
			UserID:  s.UserID,
			TotalXP: s.TotalXP,
			Level:   curve.LevelFor(s.TotalXP),
		}
	}
	return out
}
