// Package streak tracks consecutive calendar days of qualifying activity,
// evaluated in each user's own time zone.
package streak

import (
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

const domainName = "streak"

// Status is the derived health of a streak.
type Status string

const (
	StatusActive Status = "active"
	StatusAtRisk Status = "at_risk"
	StatusBroken Status = "broken"
)

// State is the persisted streak of one user.
// LongestStreak >= CurrentStreak always holds.
type State struct {
	UserID           shared.UserID
	CurrentStreak    int
	LongestStreak    int
	LastActivityDate timeutil.Date
	StreakStartDate  timeutil.Date
	TimeZone         string
	UpdatedAt        time.Time
}

// New returns the empty state for a user.
func New(userID shared.UserID, timeZone string) *State {
	if timeZone == "" {
		timeZone = timeutil.DefaultZone
	}
	return &State{UserID: userID, TimeZone: timeZone}
}

// Location resolves the user's zone, falling back to UTC.
func (s *State) Location() *time.Location {
	return timeutil.MustLoadLocation(s.TimeZone)
}

// Today returns the calendar date of now in the user's zone.
func (s *State) Today(now time.Time) timeutil.Date {
	return timeutil.DateOf(now, s.Location())
}

// Transition describes what an Update did.
type Transition struct {
	// Changed is false for same-day repeats and backdated activity.
	Changed bool
	// Broken is set when a gap reset a running streak.
	Broken     bool
	LostStreak int
	// PreviousLastActivity is the last activity date before the update.
	PreviousLastActivity timeutil.Date
}

// Update records qualifying activity on the given calendar date.
//
//	same day as last activity    -> no-op
//	exactly one day after        -> current+1, longest=max(longest, current)
//	more than one day after      -> current=1 (the gap broke the streak)
//	before last activity         -> no-op, history is never rewritten
func (s *State) Update(activity timeutil.Date) Transition {
	tr := Transition{PreviousLastActivity: s.LastActivityDate}

	if s.LastActivityDate.IsZero() {
		s.CurrentStreak = 1
		s.LongestStreak = max(s.LongestStreak, 1)
		s.LastActivityDate = activity
		s.StreakStartDate = activity
		tr.Changed = true
		return tr
	}

	switch gap := activity.DaysSince(s.LastActivityDate); {
	case gap <= 0:
		return tr
	case gap == 1:
		s.CurrentStreak++
	default:
		tr.Broken = s.CurrentStreak > 0
		tr.LostStreak = s.CurrentStreak
		s.CurrentStreak = 1
		s.StreakStartDate = activity
	}

	s.LongestStreak = max(s.LongestStreak, s.CurrentStreak)
	s.LastActivityDate = activity
	tr.Changed = true
	return tr
}

// StatusOn derives the status as of the given calendar date:
// active if the last activity is today (or later), at_risk if it was
// yesterday, broken otherwise (including users with no activity).
func (s *State) StatusOn(today timeutil.Date) Status {
	if s.LastActivityDate.IsZero() || s.CurrentStreak == 0 {
		return StatusBroken
	}
	switch gap := today.DaysSince(s.LastActivityDate); {
	case gap <= 0:
		return StatusActive
	case gap == 1:
		return StatusAtRisk
	default:
		return StatusBroken
	}
}

// EffectiveStreak is the streak as observed on today: zero once more than
// one full calendar day passed without activity.
func (s *State) EffectiveStreak(today timeutil.Date) int {
	if s.StatusOn(today) == StatusBroken {
		return 0
	}
	return s.CurrentStreak
}

// Snapshot is the read view of a streak on a given day.
type Snapshot struct {
	CurrentStreak    int           `json:"current_streak"`
	LongestStreak    int           `json:"longest_streak"`
	LastActivityDate timeutil.Date `json:"last_activity_date"`
	Status           Status        `json:"status"`
	TimeZone         string        `json:"time_zone"`
}

// SnapshotAt derives the read view as of now.
func (s *State) SnapshotAt(now time.Time) Snapshot {
	today := s.Today(now)
	return Snapshot{
		CurrentStreak:    s.EffectiveStreak(today),
		LongestStreak:    s.LongestStreak,
		LastActivityDate: s.LastActivityDate,
		Status:           s.StatusOn(today),
		TimeZone:         s.TimeZone,
	}
}

// Clone returns a copy safe to mutate.
func (s *State) Clone() *State {
	c := *s
	return &c
}

// ValidateActivityDate rejects dates more than one day ahead of the user's
// today, which can only come from a broken client clock.
func (s *State) ValidateActivityDate(activity timeutil.Date, now time.Time) error {
	if activity.IsZero() {
		return shared.Validation(domainName, "UpdateStreak", "activity_date is required")
	}
	if activity.DaysSince(s.Today(now)) > 1 {
		return shared.Validation(domainName, "UpdateStreak", "activity_date %s is in the future", activity)
	}
	return nil
}

// MultiplierPolicy maps a streak length to an XP multiplier:
// min(Max, 1 + streak*Step), all in thousandths.
type MultiplierPolicy struct {
	Step ledger.Multiplier
	Max  ledger.Multiplier
}

// DefaultMultiplierPolicy is step 0.1 capped at 2.0.
func DefaultMultiplierPolicy() MultiplierPolicy {
	return MultiplierPolicy{Step: 100, Max: 2000}
}

// Multiplier returns the multiplier for a streak length.
func (p MultiplierPolicy) Multiplier(streak int) ledger.Multiplier {
	if streak <= 0 {
		return ledger.One
	}
	m := ledger.One + ledger.Multiplier(streak)*p.Step
	if p.Max >= ledger.One {
		m = m.Min(p.Max)
	}
	return m
}
