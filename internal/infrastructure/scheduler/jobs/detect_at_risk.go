package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DETECT AT-RISK STREAKS JOB
// ══════════════════════════════════════════════════════════════════════════════

// DetectAtRiskJob finds streaks whose owner was active yesterday (in their
// own zone) but not yet today, and publishes a StreakAtRiskEvent for each.
// A user is reported at most once per local day.
type DetectAtRiskJob struct {
	streaks   streak.Store
	publisher shared.EventPublisher
	flags     *config.FeatureFlags
	clock     shared.Clock
	logger    *logger.Logger

	mu       sync.Mutex
	notified map[shared.UserID]timeutil.Date
}

// NewDetectAtRiskJob creates the job.
func NewDetectAtRiskJob(
	streaks streak.Store,
	publisher shared.EventPublisher,
	flags *config.FeatureFlags,
	clock shared.Clock,
	log *logger.Logger,
) *DetectAtRiskJob {
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DetectAtRiskJob{
		streaks:   streaks,
		publisher: publisher,
		flags:     flags,
		clock:     clock,
		logger:    log.Named("detect_at_risk"),
		notified:  make(map[shared.UserID]timeutil.Date),
	}
}

// Name returns the job name.
func (j *DetectAtRiskJob) Name() string {
	return "detect_at_risk_streaks"
}

// Description returns a human-readable description.
func (j *DetectAtRiskJob) Description() string {
	return "Publishes StreakAtRisk for users who have not practiced today yet"
}

// Run executes the sweep.
func (j *DetectAtRiskJob) Run(ctx context.Context) error {
	if !j.flags.IsEnabled(config.FeatureStreaks, "") {
		return nil
	}

	now := j.clock.Now()
	// Two UTC days back covers every zone's "yesterday".
	since := timeutil.DateOf(now, nil).AddDays(-2)
	states, err := j.streaks.ListActiveSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list active streaks: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var events []shared.Event
	for _, st := range states {
		snap := st.SnapshotAt(now)
		if snap.Status != streak.StatusAtRisk {
			continue
		}
		today := st.Today(now)
		if last, ok := j.notified[st.UserID]; ok && last == today {
			continue
		}
		j.notified[st.UserID] = today
		events = append(events, shared.NewStreakAtRiskEvent(string(st.UserID), snap.CurrentStreak, now))
	}

	for user, day := range j.notified {
		if day.Before(since) {
			delete(j.notified, user)
		}
	}

	j.logger.Info("at-risk sweep completed",
		logger.Int("scanned", len(states)),
		logger.Int("at_risk", len(events)),
	)
	if len(events) == 0 {
		return nil
	}
	return j.publisher.Publish(ctx, events...)
}
