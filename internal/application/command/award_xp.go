package command

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// AWARD XP COMMAND
// Appends an XP event to the ledger exactly once per idempotency key, with
// the multiplier derived server-side from the streak and the day of week.
// ══════════════════════════════════════════════════════════════════════════════

// AwardXPCommand contains the data to award XP.
type AwardXPCommand struct {
	UserID         string
	EventType      string
	BaseAmount     int64
	Source         string
	IdempotencyKey string
}

// AwardXPResult is the outcome of an award. Replaying the same key returns
// the same values.
type AwardXPResult struct {
	EventID    string
	XPAwarded  int64
	Multiplier ledger.Multiplier
	// TotalXP includes the bonuses of achievements this award unlocked.
	TotalXP         int64
	Level           int
	LevelUp         bool
	NewAchievements []achievement.Achievement
	// Replayed is set when the key had already been applied.
	Replayed bool
}

// AwardXPHandler handles AwardXPCommand.
type AwardXPHandler struct {
	ledger    ledger.Store
	streaks   streak.Store
	unlocks   achievement.UnlockStore
	catalog   *achievement.Catalog
	flow      *saga.AchievementFlowSaga
	publisher shared.EventPublisher
	profiles  ProfileInvalidator
	flags     *config.FeatureFlags
	locks     *UserLocks
	clock     shared.Clock
	rules     Rules
	log       *logger.Logger
}

// Deps groups the collaborators shared by the command handlers.
type Deps struct {
	Ledger       ledger.Store
	Streaks      streak.Store
	Unlocks      achievement.UnlockStore
	Catalog      *achievement.Catalog
	Achievements *saga.AchievementFlowSaga
	Publisher    shared.EventPublisher
	// Profiles, when set, is invalidated before a mutating call returns,
	// so the caller's next profile read sees the change.
	Profiles ProfileInvalidator
	Flags    *config.FeatureFlags
	Locks    *UserLocks
	Clock    shared.Clock
	Rules    Rules
	Logger   *logger.Logger
}

// ProfileInvalidator drops cached profiles of a user.
type ProfileInvalidator interface {
	Invalidate(ctx context.Context, userID shared.UserID) error
}

// invalidateProfile is best effort: the mutation is already durable and the
// cache entry expires on its own.
func invalidateProfile(ctx context.Context, profiles ProfileInvalidator, userID shared.UserID, log *logger.Logger) {
	if profiles == nil {
		return
	}
	if err := profiles.Invalidate(ctx, userID); err != nil {
		log.Warn("profile invalidation failed", logger.UserID(string(userID)), logger.Err(err))
	}
}

func (d *Deps) defaults() {
	if d.Publisher == nil {
		d.Publisher = shared.NopPublisher{}
	}
	if d.Locks == nil {
		d.Locks = NewUserLocks()
	}
	if d.Clock == nil {
		d.Clock = shared.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Rules.Curve.Constant == 0 {
		d.Rules = DefaultRules()
	}
}

// NewAwardXPHandler creates a new AwardXPHandler.
func NewAwardXPHandler(d Deps) *AwardXPHandler {
	d.defaults()
	return &AwardXPHandler{
		ledger:    d.Ledger,
		streaks:   d.Streaks,
		unlocks:   d.Unlocks,
		catalog:   d.Catalog,
		flow:      d.Achievements,
		publisher: d.Publisher,
		profiles:  d.Profiles,
		flags:     d.Flags,
		locks:     d.Locks,
		clock:     d.Clock,
		rules:     d.Rules,
		log:       d.Logger.Named("award_xp"),
	}
}

// Handle executes the command.
func (h *AwardXPHandler) Handle(ctx context.Context, cmd AwardXPCommand) (result *AwardXPResult, err error) {
	ctx, span := startSpan(ctx, "command.AwardXP", cmd.UserID,
		attribute.String("xp.event_type", cmd.EventType),
		attribute.Int64("xp.base_amount", cmd.BaseAmount),
	)
	defer func() { endSpan(span, err) }()

	const op = "AwardXP"

	userID, err := shared.NewUserID(cmd.UserID)
	if err != nil {
		return nil, err
	}
	eventType, err := ledger.ParseEventType(cmd.EventType)
	if err != nil {
		return nil, err
	}
	source, err := ledger.ParseSource(cmd.Source)
	if err != nil {
		return nil, err
	}
	if cmd.BaseAmount <= 0 {
		return nil, shared.Validation("ledger", op, "base_amount must be positive, got %d", cmd.BaseAmount)
	}
	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key == "" {
		return nil, shared.Validation("ledger", op, "idempotency_key is required")
	}

	log := h.log.With(logger.UserID(string(userID)), logger.IdempotencyKey(key))
	log.Debug("award xp", logger.EventType(string(eventType)), logger.XPAmount(cmd.BaseAmount))

	unlock := h.locks.Lock(userID)
	defer unlock()

	fingerprint := ledger.Fingerprint(userID, eventType, cmd.BaseAmount, source)

	prior, err := h.ledger.FindByIdempotencyKey(ctx, userID, key)
	switch {
	case err == nil:
		return h.replay(ctx, prior, fingerprint)
	case !shared.IsNotFound(err):
		return nil, storeErr("ledger", op, err)
	}

	now := h.clock.Now()
	st, err := streak.GetOrNew(ctx, h.streaks, userID, h.rules.DefaultTimeZone)
	if err != nil {
		return nil, storeErr("streak", op, err)
	}

	ev, err := ledger.NewXPEvent(ledger.NewXPEventParams{
		UserID:         userID,
		Type:           eventType,
		BaseAmount:     cmd.BaseAmount,
		Multiplier:     h.multiplier(userID, st, now),
		Source:         source,
		IdempotencyKey: key,
		Timestamp:      now,
	})
	if err != nil {
		return nil, err
	}

	stored, created, err := h.ledger.Append(ctx, ev, h.rules.Curve)
	if err != nil {
		if shared.IsInvariantViolation(err) {
			log.Error("ledger invariant violated", logger.Err(err))
		}
		return nil, storeErr("ledger", op, err)
	}
	if !created {
		// Lost a race with another instance holding the same key.
		return h.replay(ctx, stored, fingerprint)
	}

	events := []shared.Event{shared.NewXPAwardedEvent(
		string(userID), stored.ID, string(stored.Type), string(stored.Source),
		stored.AwardedAmount, stored.TotalAfter, stored.LevelAfter, key, stored.Timestamp)}
	if stored.LeveledUp() {
		events = append(events, shared.NewLevelUpEvent(string(userID), stored.LevelBefore, stored.LevelAfter, stored.TotalAfter, stored.Timestamp))
		log.Info("level up", logger.Int("old_level", stored.LevelBefore), logger.Int("new_level", stored.LevelAfter))
	}
	if err := h.publisher.Publish(ctx, events...); err != nil {
		log.Warn("failed to publish xp events", logger.Err(err))
	}

	log.Info("xp awarded",
		logger.EventType(string(stored.Type)),
		logger.XPAmount(stored.AwardedAmount),
		logger.String("multiplier", stored.Multiplier.String()),
		logger.Int64("total_xp", stored.TotalAfter),
	)

	return h.complete(ctx, stored, false)
}

func (h *AwardXPHandler) replay(ctx context.Context, prior *ledger.XPEvent, fingerprint string) (*AwardXPResult, error) {
	if prior.Fingerprint != fingerprint {
		return nil, shared.Conflict("ledger", "AwardXP",
			"idempotency_key %q was already used with a different payload", prior.IdempotencyKey)
	}
	h.log.Debug("replaying award",
		logger.UserID(string(prior.UserID)),
		logger.IdempotencyKey(prior.IdempotencyKey),
	)
	return h.complete(ctx, prior, true)
}

// complete runs the achievement flow for fresh events and assembles the
// result from the event's snapshot plus the unlocks linked to it, so a
// replay reports the same numbers as the original call.
func (h *AwardXPHandler) complete(ctx context.Context, ev *ledger.XPEvent, replayed bool) (*AwardXPResult, error) {
	uid := string(ev.UserID)

	if !replayed && h.flow != nil && h.flags.IsEnabled(config.FeatureAchievements, uid) {
		if _, err := h.flow.Execute(ctx, ev.UserID, ev.ID); err != nil {
			// The award is durable; the next evaluation picks up what
			// this one missed.
			h.log.Warn("achievement evaluation failed", logger.UserID(uid), logger.Err(err))
		}
	}
	if !replayed {
		invalidateProfile(ctx, h.profiles, ev.UserID, h.log)
	}

	var (
		unlocked []achievement.Achievement
		bonus    int64
	)
	if h.unlocks != nil && h.catalog != nil {
		linked, err := h.unlocks.ListByTrigger(ctx, ev.UserID, ev.ID)
		if err != nil {
			return nil, storeErr("achievement", "AwardXP", err)
		}
		unlocked, bonus = achievementsFor(h.catalog, linked)
	}

	total := ev.TotalAfter + bonus
	level := h.rules.Curve.LevelFor(total)
	return &AwardXPResult{
		EventID:         ev.ID,
		XPAwarded:       ev.AwardedAmount,
		Multiplier:      ev.Multiplier,
		TotalXP:         total,
		Level:           level,
		LevelUp:         level > ev.LevelBefore,
		NewAchievements: unlocked,
		Replayed:        replayed,
	}, nil
}

// multiplier combines the streak multiplier and the weekend factor.
func (h *AwardXPHandler) multiplier(userID shared.UserID, st *streak.State, at time.Time) ledger.Multiplier {
	uid := string(userID)
	m := ledger.One
	if h.flags.IsEnabled(config.FeatureStreaks, uid) {
		m = h.rules.Streak.Multiplier(st.EffectiveStreak(st.Today(at)))
	}
	if h.flags.IsEnabled(config.FeatureWeekendBonus, uid) && timeutil.DateOf(at, st.Location()).IsWeekend() {
		m = m.Mul(h.rules.WeekendFactor)
	}
	return m
}
