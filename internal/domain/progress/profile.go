// Package progress holds the gamification profile: a materialized view over
// the ledger, streak state and achievement unlocks.
package progress

import (
	"slices"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// GamificationProfile is the derived progress of one user. It is never a
// source of truth and may be recomputed at any time.
type GamificationProfile struct {
	UserID                    shared.UserID   `json:"user_id"`
	TotalXP                   int64           `json:"total_xp"`
	Level                     int             `json:"level"`
	XPToNextLevel             int64           `json:"xp_to_next_level"`
	Streak                    streak.Snapshot `json:"streak"`
	AchievementsUnlockedCount int             `json:"achievements_unlocked_count"`
	BadgeIDs                  []string        `json:"badge_ids"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// Empty returns the profile of a user with no activity.
func Empty(userID shared.UserID, curve ledger.LevelCurve) GamificationProfile {
	return GamificationProfile{
		UserID:        userID,
		Level:         1,
		XPToNextLevel: curve.XPToNextLevel(0),
		Streak:        streak.Snapshot{Status: streak.StatusBroken},
		BadgeIDs:      []string{},
	}
}

// Clone returns a deep copy.
func (p GamificationProfile) Clone() GamificationProfile {
	p.BadgeIDs = slices.Clone(p.BadgeIDs)
	if p.BadgeIDs == nil {
		p.BadgeIDs = []string{}
	}
	return p
}

// Sources are the inputs a profile is built from.
type Sources struct {
	UserID  shared.UserID
	TotalXP int64
	Streak  *streak.State
	Unlocks []achievement.Unlock
	Now     time.Time
}

// Builder assembles profiles and achievement snapshots from raw state.
type Builder struct {
	curve  ledger.LevelCurve
	engine *achievement.Engine
}

// NewBuilder creates a builder.
func NewBuilder(curve ledger.LevelCurve, engine *achievement.Engine) *Builder {
	return &Builder{curve: curve, engine: engine}
}

// Curve returns the level curve in use.
func (b *Builder) Curve() ledger.LevelCurve { return b.curve }

// Profile derives the profile from its sources.
func (b *Builder) Profile(src Sources) GamificationProfile {
	p := Empty(src.UserID, b.curve)
	p.TotalXP = src.TotalXP
	p.Level = b.curve.LevelFor(src.TotalXP)
	p.XPToNextLevel = b.curve.XPToNextLevel(src.TotalXP)
	if src.Streak != nil {
		p.Streak = src.Streak.SnapshotAt(src.Now)
	}
	p.AchievementsUnlockedCount = len(src.Unlocks)
	if b.engine != nil {
		if badges := b.engine.BadgeIDs(src.Unlocks); badges != nil {
			p.BadgeIDs = badges
		}
	}
	p.UpdatedAt = src.Now.UTC()
	return p
}

// AchievementSnapshot derives the rule-evaluation view.
func (b *Builder) AchievementSnapshot(totalXP int64, st *streak.State, counts map[ledger.EventType]int, unlocked int) achievement.Snapshot {
	s := achievement.Snapshot{
		TotalXP:       totalXP,
		Level:         b.curve.LevelFor(totalXP),
		EventCounts:   counts,
		UnlockedCount: unlocked,
	}
	if st != nil {
		s.LongestStreak = st.LongestStreak
	}
	if s.EventCounts == nil {
		s.EventCounts = map[ledger.EventType]int{}
	}
	return s
}

// ProfileUpdate is an explicit, field-by-field change to a profile. Nil
// fields are left untouched.
type ProfileUpdate struct {
	TotalXP          *int64
	Level            *int
	CurrentStreak    *int
	LongestStreak    *int
	StreakStatus     *streak.Status
	LastActivityDate *timeutil.Date
	UnlockedCount    *int
	AddBadges        []string
}

// NewProfileUpdate starts an empty update.
func NewProfileUpdate() *ProfileUpdate { return &ProfileUpdate{} }

// WithTotalXP sets the total. Level and XPToNextLevel follow from it.
func (u *ProfileUpdate) WithTotalXP(total int64) *ProfileUpdate {
	u.TotalXP = &total
	return u
}

// WithLevel pins the level instead of deriving it from the curve.
func (u *ProfileUpdate) WithLevel(level int) *ProfileUpdate {
	u.Level = &level
	return u
}

// WithStreak sets the streak fields.
func (u *ProfileUpdate) WithStreak(current, longest int, status streak.Status, last timeutil.Date) *ProfileUpdate {
	u.CurrentStreak = &current
	u.LongestStreak = &longest
	u.StreakStatus = &status
	u.LastActivityDate = &last
	return u
}

// WithUnlockedCount sets the achievement count.
func (u *ProfileUpdate) WithUnlockedCount(n int) *ProfileUpdate {
	u.UnlockedCount = &n
	return u
}

// WithBadges adds badges to the set.
func (u *ProfileUpdate) WithBadges(ids ...string) *ProfileUpdate {
	u.AddBadges = append(u.AddBadges, ids...)
	return u
}

// Apply returns p with the update applied.
func (u *ProfileUpdate) Apply(p GamificationProfile, curve ledger.LevelCurve) GamificationProfile {
	out := p.Clone()
	if u.TotalXP != nil {
		out.TotalXP = *u.TotalXP
		out.Level = curve.LevelFor(out.TotalXP)
		out.XPToNextLevel = curve.XPToNextLevel(out.TotalXP)
	}
	if u.Level != nil {
		out.Level = *u.Level
	}
	if u.CurrentStreak != nil {
		out.Streak.CurrentStreak = *u.CurrentStreak
	}
	if u.LongestStreak != nil {
		out.Streak.LongestStreak = *u.LongestStreak
	}
	if u.StreakStatus != nil {
		out.Streak.Status = *u.StreakStatus
	}
	if u.LastActivityDate != nil {
		out.Streak.LastActivityDate = *u.LastActivityDate
	}
	if u.UnlockedCount != nil {
		out.AchievementsUnlockedCount = *u.UnlockedCount
	}
	for _, b := range u.AddBadges {
		if !slices.Contains(out.BadgeIDs, b) {
			out.BadgeIDs = append(out.BadgeIDs, b)
		}
	}
	return out
}
