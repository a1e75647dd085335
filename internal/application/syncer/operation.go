package syncer

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// OperationKind names the mutation an operation carries.
type OperationKind string

const (
	KindAwardXP      OperationKind = "award_xp"
	KindUpdateStreak OperationKind = "update_streak"
)

// OperationStatus is the lifecycle of a pending operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusConfirmed OperationStatus = "confirmed"
	StatusFailed    OperationStatus = "failed"
)

// Delta is the optimistic change an operation makes to the local profile.
type Delta struct {
	// XP is the estimated award.
	XP int64 `json:"xp,omitempty"`
	// ActivityDate is set for streak updates.
	ActivityDate timeutil.Date `json:"activity_date,omitempty"`
	TimeZone     string        `json:"time_zone,omitempty"`
}

// apply folds the delta into the profile and the local streak state.
func (d Delta) apply(p progress.GamificationProfile, st *streak.State, curve ledger.LevelCurve, now time.Time) progress.GamificationProfile {
	u := progress.NewProfileUpdate()
	if d.XP != 0 {
		u.WithTotalXP(p.TotalXP + d.XP)
	}
	if !d.ActivityDate.IsZero() {
		if d.TimeZone != "" {
			st.TimeZone = d.TimeZone
		}
		st.Update(d.ActivityDate)
		snap := st.SnapshotAt(now)
		u.WithStreak(snap.CurrentStreak, snap.LongestStreak, snap.Status, snap.LastActivityDate)
	}
	out := u.Apply(p, curve)
	if !d.ActivityDate.IsZero() {
		out.Streak.TimeZone = st.TimeZone
	}
	return out
}

// PendingSyncOperation tracks one mutation from optimistic apply to
// confirmation or rollback.
type PendingSyncOperation struct {
	ID          string          `json:"id"`
	UserID      shared.UserID   `json:"user_id"`
	Kind        OperationKind   `json:"kind"`
	Status      OperationStatus `json:"status"`
	Delta       Delta           `json:"delta"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ResolvedAt  time.Time       `json:"resolved_at,omitempty"`
	// Error is set for failed operations.
	Error string `json:"error,omitempty"`
}

// Result is what a Future resolves to.
type Result struct {
	Operation PendingSyncOperation
	Award     *AwardResponse
	Streak    *StreakResponse
	// Profile is the local view right after reconciliation.
	Profile progress.GamificationProfile
}

// Future resolves when the authoritative call finishes.
type Future struct {
	done   chan struct{}
	result *Result
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r *Result, err error) {
	f.result, f.err = r, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation resolves or ctx ends. Giving up only
// stops waiting: the operation still completes and updates local state.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
