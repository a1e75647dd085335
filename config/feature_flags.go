package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
)

// FeatureFlags manages feature toggles with per-user percentage rollout.
type FeatureFlags struct {
	mu sync.RWMutex

	features      map[string]*Feature
	userOverrides map[string]map[string]bool // userID -> feature -> enabled
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent (0-100); users are bucketed by hash of their ID.
	RolloutPercent int
}

// Predefined feature flag names.
const (
	FeatureStreaks          = "gamification.streaks"
	FeatureAchievements     = "gamification.achievements"
	FeatureWeekendBonus     = "gamification.weekend_bonus"
	FeatureLeaderboardCache = "gamification.leaderboard_cache"
	FeaturePersistRetention = "retention.persist_snapshots"
)

// LoadFeatureFlags builds the defaults and applies FEATURE_* env overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment()
	return ff
}

// NewFeatureFlags returns flags with built-in defaults only.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:      make(map[string]*Feature),
		userOverrides: make(map[string]map[string]bool),
	}
	ff.register(FeatureStreaks, "Daily streak tracking and streak multiplier", true)
	ff.register(FeatureAchievements, "Achievement evaluation after XP and streak changes", true)
	ff.register(FeatureWeekendBonus, "Weekend XP bonus factor", true)
	ff.register(FeatureLeaderboardCache, "Serve leaderboards from Redis sorted sets", true)
	ff.register(FeaturePersistRetention, "Persist retention snapshots when scoring", false)
	return ff
}

func (ff *FeatureFlags) register(name, description string, enabled bool) {
	percent := 0
	if enabled {
		percent = 100
	}
	ff.features[name] = &Feature{
		Name:           name,
		Description:    description,
		Enabled:        enabled,
		RolloutPercent: percent,
	}
}

// loadFromEnvironment accepts true/false/on/off or a rollout percentage.
func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := strings.TrimSpace(strings.ToLower(os.Getenv(featureNameToEnvKey(name))))
		if val == "" {
			continue
		}
		switch val {
		case "true", "on", "1", "yes":
			feature.Enabled, feature.RolloutPercent = true, 100
			continue
		case "false", "off", "0", "no":
			feature.Enabled, feature.RolloutPercent = false, 0
			continue
		}
		if p, err := strconv.Atoi(strings.TrimSuffix(val, "%")); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// "gamification.weekend_bonus" -> "FEATURE_GAMIFICATION_WEEKEND_BONUS"
func featureNameToEnvKey(name string) string {
	return "FEATURE_" + strings.ReplaceAll(strings.ToUpper(name), ".", "_")
}

// IsEnabled reports whether a feature is on for the given user.
// An empty userID checks the global switch only.
func (ff *FeatureFlags) IsEnabled(featureName, userID string) bool {
	if ff == nil {
		return true
	}
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if userID != "" {
		if overrides, ok := ff.userOverrides[userID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok || !feature.Enabled {
		return false
	}
	if feature.RolloutPercent >= 100 || userID == "" {
		return feature.RolloutPercent > 0
	}
	return inRollout(userID, featureName, feature.RolloutPercent)
}

func inRollout(userID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(userID))
	return int(h.Sum32()%100) < percent
}

// SetUserOverride forces a feature on or off for one user.
func (ff *FeatureFlags) SetUserOverride(userID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if _, ok := ff.userOverrides[userID]; !ok {
		ff.userOverrides[userID] = make(map[string]bool)
	}
	ff.userOverrides[userID][featureName] = enabled
}

// SetRolloutPercent updates a feature's rollout live.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}
	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// All returns a copy of every feature configuration.
func (ff *FeatureFlags) All() map[string]Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	out := make(map[string]Feature, len(ff.features))
	for k, v := range ff.features {
		out[k] = *v
	}
	return out
}

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
