// Package saga contains multi-step business processes that coordinate
// several stores.
package saga

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENT FLOW SAGA
// Flow: Load Unlocks → (Load Snapshot → Evaluate → Grant Bonus XP → Unlock)*
//       → Publish Events
//
// The bracketed part repeats until a round unlocks nothing, so achievements
// observing XP or the unlocked count can be earned from other achievements'
// bonuses. Callers must hold the user's mutation lock.
// ══════════════════════════════════════════════════════════════════════════════

// AchievementFlowStep names a step for error reporting.
type AchievementFlowStep string

const (
	StepLoadUnlocks  AchievementFlowStep = "load_unlocks"
	StepLoadSnapshot AchievementFlowStep = "load_snapshot"
	StepGrantBonus   AchievementFlowStep = "grant_bonus"
	StepUnlock       AchievementFlowStep = "unlock"
)

const (
	bonusKeyPrefix      = "achievement:"
	defaultFlowMaxRound = 64
)

// AchievementFlowResult is what one run unlocked.
type AchievementFlowResult struct {
	NewAchievements []achievement.Achievement
	// BonusXP is the XP granted by NewAchievements.
	BonusXP int64
	TotalXP int64
	Level   int
	// LeveledUp reports whether the bonuses crossed a level threshold.
	LeveledUp bool
}

// HasNewAchievements returns true if any achievements were unlocked.
func (r *AchievementFlowResult) HasNewAchievements() bool {
	return len(r.NewAchievements) > 0
}

// AchievementFlowError reports the failing step.
type AchievementFlowError struct {
	Step   AchievementFlowStep
	UserID shared.UserID
	Cause  error
}

func (e *AchievementFlowError) Error() string {
	return fmt.Sprintf("achievement flow failed at step '%s' for user %s: %v", e.Step, e.UserID, e.Cause)
}

func (e *AchievementFlowError) Unwrap() error { return e.Cause }

// AchievementFlowSaga evaluates and grants achievements.
type AchievementFlowSaga struct {
	ledger    ledger.Store
	streaks   streak.Store
	unlocks   achievement.UnlockStore
	engine    *achievement.Engine
	builder   *progress.Builder
	publisher shared.EventPublisher
	clock     shared.Clock
	log       *logger.Logger
}

// NewAchievementFlowSaga wires the saga.
func NewAchievementFlowSaga(
	ledgerStore ledger.Store,
	streaks streak.Store,
	unlocks achievement.UnlockStore,
	engine *achievement.Engine,
	builder *progress.Builder,
	publisher shared.EventPublisher,
	clock shared.Clock,
	log *logger.Logger,
) *AchievementFlowSaga {
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AchievementFlowSaga{
		ledger:    ledgerStore,
		streaks:   streaks,
		unlocks:   unlocks,
		engine:    engine,
		builder:   builder,
		publisher: publisher,
		clock:     clock,
		log:       log.Named("achievement_flow"),
	}
}

// Execute runs the flow for one user. triggerEventID links the unlocks to
// the ledger event that caused them; it is empty for streak updates.
func (s *AchievementFlowSaga) Execute(ctx context.Context, userID shared.UserID, triggerEventID string) (*AchievementFlowResult, error) {
	fail := func(step AchievementFlowStep, err error) error {
		return &AchievementFlowError{Step: step, UserID: userID, Cause: err}
	}

	existing, err := s.unlocks.ListByUser(ctx, userID)
	if err != nil {
		return nil, fail(StepLoadUnlocks, err)
	}
	unlocked := achievement.UnlockedSet(existing)

	result := &AchievementFlowResult{}
	var (
		events      []shared.Event
		levelBefore int
	)

	maxRounds := s.engine.Catalog().Len() + 1
	if maxRounds > defaultFlowMaxRound {
		maxRounds = defaultFlowMaxRound
	}

	for round := 0; round < maxRounds; round++ {
		snap, total, err := s.loadSnapshot(ctx, userID, len(unlocked))
		if err != nil {
			return nil, fail(StepLoadSnapshot, err)
		}
		if round == 0 {
			levelBefore = snap.Level
		}
		result.TotalXP = total
		result.Level = snap.Level

		candidates := s.engine.Evaluate(snap, unlocked)
		if len(candidates) == 0 {
			break
		}

		for _, a := range candidates {
			// Bonus first: if we crash before the unlock, the next run
			// re-evaluates, replays the bonus by key and then unlocks.
			if a.XPReward > 0 {
				ev, err := s.grantBonus(ctx, userID, a)
				if err != nil {
					return nil, fail(StepGrantBonus, err)
				}
				if ev != nil {
					events = append(events, shared.NewXPAwardedEvent(
						string(userID), ev.ID, string(ev.Type), string(ev.Source),
						ev.AwardedAmount, ev.TotalAfter, ev.LevelAfter, ev.IdempotencyKey, ev.Timestamp))
				}
			}

			now := s.clock.Now().UTC()
			created, err := s.unlocks.Unlock(ctx, achievement.Unlock{
				UserID:         userID,
				AchievementID:  a.ID,
				UnlockedAt:     now,
				TriggerEventID: triggerEventID,
			})
			if err != nil {
				return nil, fail(StepUnlock, err)
			}
			unlocked[a.ID] = true
			if !created {
				continue
			}

			result.NewAchievements = append(result.NewAchievements, a)
			result.BonusXP += a.XPReward
			events = append(events, shared.NewAchievementUnlockedEvent(
				string(userID), a.ID, string(a.Category), string(a.Rarity), a.XPReward, now))

			s.log.Info("achievement unlocked",
				logger.UserID(string(userID)),
				logger.AchievementID(a.ID),
				logger.XPAmount(a.XPReward),
			)
		}
	}

	if result.BonusXP > 0 {
		total, err := s.ledger.TotalXP(ctx, userID)
		if err != nil {
			return nil, fail(StepLoadSnapshot, err)
		}
		result.TotalXP = total
		result.Level = s.builder.Curve().LevelFor(total)
	}
	result.LeveledUp = result.Level > levelBefore
	if result.LeveledUp {
		events = append(events, shared.NewLevelUpEvent(string(userID), levelBefore, result.Level, result.TotalXP, s.clock.Now().UTC()))
	}

	if len(events) > 0 {
		if err := s.publisher.Publish(ctx, events...); err != nil {
			// Read models are rebuilt nightly; a lost event is not fatal.
			s.log.Warn("failed to publish achievement events",
				logger.UserID(string(userID)), logger.Err(err))
		}
	}

	return result, nil
}

func (s *AchievementFlowSaga) loadSnapshot(ctx context.Context, userID shared.UserID, unlockedCount int) (achievement.Snapshot, int64, error) {
	total, err := s.ledger.TotalXP(ctx, userID)
	if err != nil {
		return achievement.Snapshot{}, 0, err
	}
	counts, err := s.ledger.CountByType(ctx, userID)
	if err != nil {
		return achievement.Snapshot{}, 0, err
	}
	st, err := streak.GetOrNew(ctx, s.streaks, userID, "")
	if err != nil {
		return achievement.Snapshot{}, 0, err
	}
	return s.builder.AchievementSnapshot(total, st, counts, unlockedCount), total, nil
}

// grantBonus appends the achievement's XP. It returns nil when the bonus
// was already in the ledger.
func (s *AchievementFlowSaga) grantBonus(ctx context.Context, userID shared.UserID, a achievement.Achievement) (*ledger.XPEvent, error) {
	ev, err := ledger.NewXPEvent(ledger.NewXPEventParams{
		UserID:         userID,
		Type:           ledger.EventAchievementBonus,
		BaseAmount:     a.XPReward,
		Multiplier:     ledger.One,
		Source:         ledger.SourceAutoAward,
		IdempotencyKey: BonusKey(a.ID),
		Timestamp:      s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	stored, created, err := s.ledger.Append(ctx, ev, s.builder.Curve())
	if err != nil {
		if shared.IsInvariantViolation(err) {
			s.log.Error("ledger invariant violated on achievement bonus",
				logger.UserID(string(userID)), logger.AchievementID(a.ID), logger.Err(err))
		}
		return nil, err
	}
	if !created {
		return nil, nil
	}
	return stored, nil
}

// BonusKey is the idempotency key of an achievement's XP bonus.
func BonusKey(achievementID string) string {
	return bonusKeyPrefix + achievementID
}
