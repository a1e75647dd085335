// Package achievement contains the achievement catalog, the unlock rules and
// the deterministic evaluation engine.
package achievement

import (
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

const domainName = "achievement"

// Category groups achievements for display.
type Category string

const (
	CategoryStreak    Category = "streak"
	CategorySkill     Category = "skill"
	CategorySocial    Category = "social"
	CategoryMilestone Category = "milestone"
	CategorySpecial   Category = "special"
)

// IsValid reports whether the category is known.
func (c Category) IsValid() bool {
	switch c {
	case CategoryStreak, CategorySkill, CategorySocial, CategoryMilestone, CategorySpecial:
		return true
	}
	return false
}

// ParseCategory validates an optional category filter. Empty is allowed.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" || c.IsValid() {
		return c, nil
	}
	return "", shared.Validation(domainName, "ParseCategory", "unknown category %q", s)
}

// Rarity ranks how hard an achievement is to get.
type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// IsValid reports whether the rarity is known.
func (r Rarity) IsValid() bool {
	switch r {
	case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	}
	return false
}

// Achievement is one catalog definition.
type Achievement struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Rarity      Rarity   `json:"rarity"`
	XPReward    int64    `json:"xp_reward"`
	// Badge is the showcase badge granted with the achievement, if any.
	Badge string `json:"badge,omitempty"`
	Rule  Rule   `json:"rule"`
}

// Unlock records that a user earned an achievement. Created once, never
// mutated.
type Unlock struct {
	UserID        shared.UserID
	AchievementID string
	UnlockedAt    time.Time
	// TriggerEventID is the ledger event whose processing caused the unlock.
	// Empty for unlocks triggered by streak updates.
	TriggerEventID string
}

// Status is a catalog entry merged with a user's unlock.
type Status struct {
	Achievement
	UnlockedAt *time.Time `json:"unlocked_at"`
}

// Unlocked reports whether the user has the achievement.
func (s Status) Unlocked() bool { return s.UnlockedAt != nil }
