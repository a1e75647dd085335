package jobs

import (
	"context"
	"fmt"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RETENTION SNAPSHOT JOB
// ══════════════════════════════════════════════════════════════════════════════

// RetentionScorer scores (and persists, when enabled) every practiced topic
// of a user. *query.RetentionHandler implements it.
type RetentionScorer interface {
	ScoreAll(ctx context.Context, userID shared.UserID) ([]retention.Record, error)
}

// RetentionSnapshotJob rescores every user with submission history so the
// stored snapshots track decay between reads.
type RetentionSnapshotJob struct {
	history retention.SubmissionHistory
	scorer  RetentionScorer
	flags   *config.FeatureFlags
	logger  *logger.Logger
}

// NewRetentionSnapshotJob creates the job.
func NewRetentionSnapshotJob(
	history retention.SubmissionHistory,
	scorer RetentionScorer,
	flags *config.FeatureFlags,
	log *logger.Logger,
) *RetentionSnapshotJob {
	if log == nil {
		log = logger.Nop()
	}
	return &RetentionSnapshotJob{
		history: history,
		scorer:  scorer,
		flags:   flags,
		logger:  log.Named("retention_snapshot"),
	}
}

// Name returns the job name.
func (j *RetentionSnapshotJob) Name() string {
	return "retention_snapshot"
}

// Description returns a human-readable description.
func (j *RetentionSnapshotJob) Description() string {
	return "Rescores retention for every practiced topic and stores the snapshots"
}

// Run executes the sweep. Per-user failures are logged and counted; the run
// fails only if no user could be scored.
func (j *RetentionSnapshotJob) Run(ctx context.Context) error {
	if !j.flags.IsEnabled(config.FeaturePersistRetention, "") {
		j.logger.Debug("retention snapshots disabled, skipping")
		return nil
	}

	users, err := j.history.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	var scored, records, failed int
	var lastErr error
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return err
		}
		recs, err := j.scorer.ScoreAll(ctx, userID)
		if err != nil {
			failed++
			lastErr = err
			j.logger.Warn("retention scoring failed", logger.UserID(string(userID)), logger.Err(err))
			continue
		}
		scored++
		records += len(recs)
	}

	j.logger.Info("retention snapshot completed",
		logger.Int("users", scored),
		logger.Int("records", records),
		logger.Int("failed", failed),
	)
	if failed > 0 && scored == 0 {
		return fmt.Errorf("retention snapshot: all %d users failed: %w", failed, lastErr)
	}
	return nil
}
