// Package jobs contains the scheduled jobs of the progress engine.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REBUILD LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// RebuildLeaderboardJob refills the leaderboard cache from the ledger for
// the current period of every timeframe. Increments applied between rebuilds
// keep the buckets fresh; the rebuild repairs drift and fills buckets that
// were never built (a fresh Redis, a new week).
type RebuildLeaderboardJob struct {
	ledger    ledger.Store
	cache     leaderboard.Cache
	publisher shared.EventPublisher
	flags     *config.FeatureFlags
	clock     shared.Clock
	logger    *logger.Logger

	lastStats atomic.Value // *RebuildStats
}

// RebuildStats contains statistics from a rebuild run.
type RebuildStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Skipped     bool
	// Entries per timeframe.
	Entries map[leaderboard.Timeframe]int
}

// NewRebuildLeaderboardJob creates a new rebuild leaderboard job.
func NewRebuildLeaderboardJob(
	store ledger.Store,
	cache leaderboard.Cache,
	publisher shared.EventPublisher,
	flags *config.FeatureFlags,
	clock shared.Clock,
	log *logger.Logger,
) *RebuildLeaderboardJob {
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RebuildLeaderboardJob{
		ledger:    store,
		cache:     cache,
		publisher: publisher,
		flags:     flags,
		clock:     clock,
		logger:    log.Named("rebuild_leaderboard"),
	}
}

// Name returns the job name.
func (j *RebuildLeaderboardJob) Name() string {
	return "rebuild_leaderboard"
}

// Description returns a human-readable description.
func (j *RebuildLeaderboardJob) Description() string {
	return "Rebuilds the cached leaderboards of the current periods from the XP ledger"
}

// Run executes the rebuild job.
func (j *RebuildLeaderboardJob) Run(ctx context.Context) error {
	now := j.clock.Now().UTC()
	stats := &RebuildStats{
		StartedAt: now,
		Entries:   make(map[leaderboard.Timeframe]int),
	}
	defer func() {
		stats.CompletedAt = j.clock.Now().UTC()
		stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
		j.lastStats.Store(stats)
	}()

	if j.cache == nil || !j.flags.IsEnabled(config.FeatureLeaderboardCache, "") {
		stats.Skipped = true
		j.logger.Debug("leaderboard cache disabled, skipping rebuild")
		return nil
	}

	timeframes := leaderboard.Timeframes()
	counts := make([]int, len(timeframes))

	g, gctx := errgroup.WithContext(ctx)
	for i, tf := range timeframes {
		i, tf := i, tf
		g.Go(func() error {
			standings, err := j.ledger.Standings(gctx, tf.Since(now), 0)
			if err != nil {
				return fmt.Errorf("standings %s: %w", tf, err)
			}
			if err := j.cache.Replace(gctx, tf, tf.Period(now), standings); err != nil {
				return fmt.Errorf("replace %s: %w", tf, err)
			}
			counts[i] = len(standings)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	events := make([]shared.Event, 0, len(timeframes))
	for i, tf := range timeframes {
		stats.Entries[tf] = counts[i]
		events = append(events, shared.NewLeaderboardRebuiltEvent(string(tf), counts[i], now))
		j.logger.Info("leaderboard rebuilt",
			logger.String("timeframe", string(tf)),
			logger.String("period", tf.Period(now)),
			logger.Int("entries", counts[i]),
		)
	}
	if err := j.publisher.Publish(ctx, events...); err != nil {
		j.logger.Warn("failed to publish rebuild events", logger.Err(err))
	}
	return nil
}

// LastStats returns statistics from the last run, or nil before the first.
func (j *RebuildLeaderboardJob) LastStats() *RebuildStats {
	if v := j.lastStats.Load(); v != nil {
		return v.(*RebuildStats)
	}
	return nil
}
