// Package query contains read operations following CQRS pattern.
// Queries never modify authoritative state.
package query

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEADERBOARD QUERY
// Top-N users by XP within a timeframe. Served from the sorted-set cache
// while it is healthy and built; otherwise aggregated from the ledger.
// Only the rebuild job builds a bucket. A query that rebuilt one here would
// race the XP-awarded projection and count in-flight awards twice.
// ══════════════════════════════════════════════════════════════════════════════

// GetLeaderboardQuery contains the leaderboard parameters.
type GetLeaderboardQuery struct {
	// Timeframe is all_time, weekly or monthly (empty = all_time).
	Timeframe string

	// Limit defaults to 10, capped at 100.
	Limit int
}

// GetLeaderboardResult is a ranked page.
type GetLeaderboardResult struct {
	Timeframe   leaderboard.Timeframe `json:"timeframe"`
	Period      string                `json:"period"`
	Entries     []leaderboard.Entry   `json:"entries"`
	FromCache   bool                  `json:"from_cache"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// GetLeaderboardHandler handles GetLeaderboardQuery.
type GetLeaderboardHandler struct {
	ledger  ledger.Store
	cache   leaderboard.Cache
	breaker *circuitbreaker.CircuitBreaker
	flags   *config.FeatureFlags
	curve   ledger.LevelCurve
	clock   shared.Clock
	log     *logger.Logger
}

// NewGetLeaderboardHandler creates the handler. cache and breaker may be nil.
func NewGetLeaderboardHandler(
	ledgerStore ledger.Store,
	cache leaderboard.Cache,
	breaker *circuitbreaker.CircuitBreaker,
	flags *config.FeatureFlags,
	curve ledger.LevelCurve,
	clock shared.Clock,
	log *logger.Logger,
) *GetLeaderboardHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if cache != nil && breaker == nil {
		breaker = circuitbreaker.LeaderboardCacheBreaker(nil)
	}
	return &GetLeaderboardHandler{
		ledger:  ledgerStore,
		cache:   cache,
		breaker: breaker,
		flags:   flags,
		curve:   curve,
		clock:   clock,
		log:     log.Named("get_leaderboard"),
	}
}

// Handle executes the query.
func (h *GetLeaderboardHandler) Handle(ctx context.Context, q GetLeaderboardQuery) (*GetLeaderboardResult, error) {
	tf, err := leaderboard.ParseTimeframe(q.Timeframe)
	if err != nil {
		return nil, err
	}
	limit, err := leaderboard.ClampLimit(q.Limit)
	if err != nil {
		return nil, err
	}

	now := h.clock.Now().UTC()
	period := tf.Period(now)
	result := &GetLeaderboardResult{
		Timeframe:   tf,
		Period:      period,
		GeneratedAt: now,
	}

	if standings, ok := h.fromCache(ctx, tf, period, limit); ok {
		result.Entries = leaderboard.Rank(standings, limit, h.curve)
		result.FromCache = true
		return result, nil
	}

	standings, err := h.ledger.Standings(ctx, tf.Since(now), 0)
	if err != nil {
		return nil, shared.Transient("leaderboard", "GetLeaderboard", err)
	}
	result.Entries = leaderboard.Rank(standings, limit, h.curve)
	return result, nil
}

func (h *GetLeaderboardHandler) cacheEnabled() bool {
	return h.cache != nil && h.flags.IsEnabled(config.FeatureLeaderboardCache, "")
}

func (h *GetLeaderboardHandler) fromCache(ctx context.Context, tf leaderboard.Timeframe, period string, limit int) ([]ledger.Standing, bool) {
	if !h.cacheEnabled() {
		return nil, false
	}

	var (
		standings []ledger.Standing
		built     bool
	)
	err := h.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		standings, built, err = h.cache.Top(ctx, tf, period, limit)
		return err
	})
	if err != nil {
		h.log.Warn("leaderboard cache unavailable, falling back to ledger",
			logger.String("timeframe", string(tf)),
			logger.String("breaker", h.breaker.State().String()),
			logger.Err(err),
		)
		return nil, false
	}
	return standings, built
}
