package command

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE STREAK COMMAND
// Records a qualifying activity day. Same-day and backdated calls are no-ops.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateStreakCommand contains the data to tick a streak.
type UpdateStreakCommand struct {
	UserID string
	// ActivityDate is YYYY-MM-DD in the user's time zone.
	ActivityDate string
	// TimeZone optionally sets the user's IANA zone.
	TimeZone string
}

// UpdateStreakResult is the streak after the update.
type UpdateStreakResult struct {
	CurrentStreak    int
	LongestStreak    int
	Status           streak.Status
	LastActivityDate timeutil.Date
	TimeZone         string
	Changed          bool
	Broken           bool
	NewAchievements  []achievement.Achievement
	// TotalXP and Level are only set when unlocked achievements granted XP.
	TotalXP int64
	Level   int
	LevelUp bool
}

// UpdateStreakHandler handles UpdateStreakCommand.
type UpdateStreakHandler struct {
	streaks   streak.Store
	flow      *saga.AchievementFlowSaga
	publisher shared.EventPublisher
	profiles  ProfileInvalidator
	flags     *config.FeatureFlags
	locks     *UserLocks
	clock     shared.Clock
	rules     Rules
	log       *logger.Logger
}

// NewUpdateStreakHandler creates a new UpdateStreakHandler. Pass the same
// Locks as the AwardXPHandler so both serialize on one per-user lock.
func NewUpdateStreakHandler(d Deps) *UpdateStreakHandler {
	d.defaults()
	return &UpdateStreakHandler{
		streaks:   d.Streaks,
		flow:      d.Achievements,
		publisher: d.Publisher,
		profiles:  d.Profiles,
		flags:     d.Flags,
		locks:     d.Locks,
		clock:     d.Clock,
		rules:     d.Rules,
		log:       d.Logger.Named("update_streak"),
	}
}

// Handle executes the command.
func (h *UpdateStreakHandler) Handle(ctx context.Context, cmd UpdateStreakCommand) (result *UpdateStreakResult, err error) {
	ctx, span := startSpan(ctx, "command.UpdateStreak", cmd.UserID,
		attribute.String("streak.activity_date", cmd.ActivityDate))
	defer func() { endSpan(span, err) }()

	const op = "UpdateStreak"

	userID, err := shared.NewUserID(cmd.UserID)
	if err != nil {
		return nil, err
	}
	date, err := timeutil.ParseDate(cmd.ActivityDate)
	if err != nil {
		return nil, shared.Validation("streak", op, "activity_date %q must be YYYY-MM-DD", cmd.ActivityDate)
	}
	tz := strings.TrimSpace(cmd.TimeZone)
	if tz != "" {
		if _, err := timeutil.LoadLocation(tz); err != nil {
			return nil, shared.Validation("streak", op, "unknown time_zone %q", tz)
		}
	}

	unlock := h.locks.Lock(userID)
	defer unlock()

	st, err := streak.GetOrNew(ctx, h.streaks, userID, h.rules.DefaultTimeZone)
	if err != nil {
		return nil, storeErr("streak", op, err)
	}
	dirty := false
	if tz != "" && tz != st.TimeZone {
		st.TimeZone = tz
		dirty = true
	}

	now := h.clock.Now()
	if err := st.ValidateActivityDate(date, now); err != nil {
		return nil, err
	}

	longestBefore := st.LongestStreak
	tr := st.Update(date)
	if tr.Changed || dirty {
		st.UpdatedAt = now.UTC()
		if err := h.streaks.Save(ctx, st); err != nil {
			return nil, storeErr("streak", op, err)
		}
	}
	if st.LongestStreak < longestBefore || st.LongestStreak < st.CurrentStreak {
		err := shared.Invariant("streak", op, "longest_streak %d fell below %d or current %d", st.LongestStreak, longestBefore, st.CurrentStreak)
		h.log.Error("streak invariant violated", logger.UserID(string(userID)), logger.Err(err))
		return nil, err
	}

	uid := string(userID)
	log := h.log.With(logger.UserID(uid))

	if tr.Changed {
		events := []shared.Event{shared.NewStreakUpdatedEvent(uid, st.CurrentStreak, st.LongestStreak, date.String(), now)}
		if tr.Broken {
			events = append(events, shared.NewStreakBrokenEvent(uid, tr.LostStreak, tr.PreviousLastActivity.String(), now))
			log.Info("streak broken", logger.Int("lost_streak", tr.LostStreak))
		}
		if err := h.publisher.Publish(ctx, events...); err != nil {
			log.Warn("failed to publish streak events", logger.Err(err))
		}
		log.Info("streak updated",
			logger.Int("current_streak", st.CurrentStreak),
			logger.Int("longest_streak", st.LongestStreak),
		)
	} else {
		log.Debug("streak unchanged", logger.String("activity_date", date.String()))
	}

	snap := st.SnapshotAt(now)
	result = &UpdateStreakResult{
		CurrentStreak:    snap.CurrentStreak,
		LongestStreak:    snap.LongestStreak,
		Status:           snap.Status,
		LastActivityDate: snap.LastActivityDate,
		TimeZone:         snap.TimeZone,
		Changed:          tr.Changed,
		Broken:           tr.Broken,
		NewAchievements:  []achievement.Achievement{},
	}

	if tr.Changed || dirty {
		defer invalidateProfile(ctx, h.profiles, userID, h.log)
	}

	if tr.Changed && h.flow != nil && h.flags.IsEnabled(config.FeatureAchievements, uid) {
		flow, err := h.flow.Execute(ctx, userID, "")
		if err != nil {
			log.Warn("achievement evaluation failed", logger.Err(err))
			return result, nil
		}
		if flow.HasNewAchievements() {
			result.NewAchievements = flow.NewAchievements
		}
		if flow.BonusXP > 0 {
			result.TotalXP = flow.TotalXP
			result.Level = flow.Level
			result.LevelUp = flow.LeveledUp
		}
	}

	return result, nil
}
