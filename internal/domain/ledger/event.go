// Package ledger models the append-only XP ledger: XP-granting events, the
// multiplier arithmetic applied to them and the level curve that maps a
// cumulative total to a level.
package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

const domainName = "ledger"

// EventType classifies an XP-granting action.
type EventType string

const (
	EventTaskCompleted       EventType = "task_completed"
	EventExercisePassed      EventType = "exercise_passed"
	EventPerfectScore        EventType = "perfect_score"
	EventFirstAttemptPass    EventType = "first_attempt_pass"
	EventChallengeWon        EventType = "challenge_won"
	EventSolutionShared      EventType = "solution_shared"
	EventModuleCompleted     EventType = "module_completed"
	EventCurriculumCompleted EventType = "curriculum_completed"
	EventStreakBonus         EventType = "streak_bonus"

	// EventAchievementBonus is appended by the achievement flow only.
	EventAchievementBonus EventType = "achievement_bonus"
)

// PublicEventTypes are the types callers may submit through AwardXP.
var PublicEventTypes = []EventType{
	EventTaskCompleted,
	EventExercisePassed,
	EventPerfectScore,
	EventFirstAttemptPass,
	EventChallengeWon,
	EventSolutionShared,
	EventModuleCompleted,
	EventCurriculumCompleted,
	EventStreakBonus,
}

// IsPublic reports whether callers may submit this type.
func (t EventType) IsPublic() bool {
	for _, p := range PublicEventTypes {
		if t == p {
			return true
		}
	}
	return false
}

// IsValid reports whether the type is known at all.
func (t EventType) IsValid() bool {
	return t.IsPublic() || t == EventAchievementBonus
}

func (t EventType) String() string { return string(t) }

// ParseEventType normalizes and validates a public event type.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if t == EventAchievementBonus {
		return "", shared.Validation(domainName, "ParseEventType", "event_type %q is reserved", s)
	}
	if !t.IsPublic() {
		return "", shared.Validation(domainName, "ParseEventType", "unknown event_type %q", s)
	}
	return t, nil
}

// Source records who initiated an award.
type Source string

const (
	SourceAutoAward Source = "auto_award"
	SourceManual    Source = "manual"
	SourceAdmin     Source = "admin"
)

// ParseSource normalizes and validates a source. Empty means auto_award.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	switch src {
	case "":
		return SourceAutoAward, nil
	case SourceAutoAward, SourceManual, SourceAdmin:
		return src, nil
	default:
		return "", shared.Validation(domainName, "ParseSource", "unknown source %q", s)
	}
}

// MaxIdempotencyKeyLen bounds caller-supplied keys.
const MaxIdempotencyKeyLen = 128

// XPEvent is one immutable ledger entry.
//
// AwardedAmount is derived from BaseAmount and Multiplier by NewXPEvent and
// never recomputed afterwards. The Total*/Level* fields snapshot the result
// of the append so an idempotent replay can return it unchanged.
type XPEvent struct {
	ID             string
	UserID         shared.UserID
	Type           EventType
	BaseAmount     int64
	Multiplier     Multiplier
	AwardedAmount  int64
	Source         Source
	IdempotencyKey string
	Fingerprint    string
	Timestamp      time.Time

	TotalBefore int64
	TotalAfter  int64
	LevelBefore int
	LevelAfter  int
}

// NewXPEventParams groups the inputs of NewXPEvent.
type NewXPEventParams struct {
	UserID         shared.UserID
	Type           EventType
	BaseAmount     int64
	Multiplier     Multiplier
	Source         Source
	IdempotencyKey string
	Timestamp      time.Time
}

// NewXPEvent validates the inputs and derives the awarded amount.
func NewXPEvent(p NewXPEventParams) (*XPEvent, error) {
	const op = "NewXPEvent"
	if !p.UserID.IsValid() {
		return nil, shared.Validation(domainName, op, "invalid user_id")
	}
	if !p.Type.IsValid() {
		return nil, shared.Validation(domainName, op, "unknown event_type %q", p.Type)
	}
	if p.BaseAmount <= 0 {
		return nil, shared.Validation(domainName, op, "base_amount must be positive, got %d", p.BaseAmount)
	}
	if p.Multiplier < 0 {
		return nil, shared.Validation(domainName, op, "multiplier cannot be negative")
	}
	key := strings.TrimSpace(p.IdempotencyKey)
	if key == "" {
		return nil, shared.Validation(domainName, op, "idempotency_key is required")
	}
	if len(key) > MaxIdempotencyKeyLen {
		return nil, shared.Validation(domainName, op, "idempotency_key longer than %d characters", MaxIdempotencyKeyLen)
	}
	if p.Timestamp.IsZero() {
		return nil, shared.Validation(domainName, op, "timestamp is required")
	}

	return &XPEvent{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Type:           p.Type,
		BaseAmount:     p.BaseAmount,
		Multiplier:     p.Multiplier,
		AwardedAmount:  p.Multiplier.Apply(p.BaseAmount),
		Source:         p.Source,
		IdempotencyKey: key,
		Fingerprint:    Fingerprint(p.UserID, p.Type, p.BaseAmount, p.Source),
		Timestamp:      p.Timestamp.UTC(),
	}, nil
}

// Seal fills the result snapshot from the user's total before this event.
// Stores call it inside their per-user critical section, right before the
// insert. A decreasing total or level is an InvariantViolation.
func (e *XPEvent) Seal(totalBefore int64, curve LevelCurve) error {
	e.TotalBefore = totalBefore
	e.TotalAfter = totalBefore + e.AwardedAmount
	e.LevelBefore = curve.LevelFor(e.TotalBefore)
	e.LevelAfter = curve.LevelFor(e.TotalAfter)

	if e.AwardedAmount < 0 || e.TotalAfter < e.TotalBefore {
		return shared.Invariant(domainName, "Seal", "total_xp would decrease from %d to %d for user %s",
			e.TotalBefore, e.TotalAfter, e.UserID)
	}
	if e.LevelAfter < e.LevelBefore {
		return shared.Invariant(domainName, "Seal", "level would decrease from %d to %d for user %s",
			e.LevelBefore, e.LevelAfter, e.UserID)
	}
	return nil
}

// LeveledUp reports whether this event crossed at least one level threshold.
func (e *XPEvent) LeveledUp() bool {
	return e.LevelAfter > e.LevelBefore
}

// SamePayload reports whether other carries the same logical action.
func (e *XPEvent) SamePayload(other *XPEvent) bool {
	return e.Fingerprint == other.Fingerprint
}
