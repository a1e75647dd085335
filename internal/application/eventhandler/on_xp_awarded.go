// Package eventhandler contains domain event handlers. They maintain
// derived state only and never write to the ledger.
package eventhandler

import (
	"context"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON XP AWARDED HANDLER
// Adds every awarded amount, achievement bonuses included, to the leaderboard
// sorted sets. A missed increment is repaired by the nightly rebuild.
// ═══════════════════════════════════════════════════════════════════════════

// OnXPAwardedHandler keeps the leaderboard cache current.
type OnXPAwardedHandler struct {
	cache leaderboard.Cache
	flags *config.FeatureFlags
	log   *logger.Logger
}

// NewOnXPAwardedHandler creates the handler.
func NewOnXPAwardedHandler(cache leaderboard.Cache, flags *config.FeatureFlags, log *logger.Logger) *OnXPAwardedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnXPAwardedHandler{
		cache: cache,
		flags: flags,
		log:   log.Named("on_xp_awarded"),
	}
}

// Register subscribes the handler.
func (h *OnXPAwardedHandler) Register(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventXPAwarded, h.Handle)
}

// Handle implements shared.EventHandler.
func (h *OnXPAwardedHandler) Handle(ctx context.Context, event shared.Event) error {
	ev, ok := event.(shared.XPAwardedEvent)
	if !ok {
		h.log.Warn("unexpected event", logger.String("event_type", string(event.EventType())))
		return nil
	}
	if h.cache == nil || !h.flags.IsEnabled(config.FeatureLeaderboardCache, "") || ev.AwardedAmount <= 0 {
		return nil
	}

	if err := h.cache.Increment(ctx, shared.UserID(ev.AggregateID()), ev.AwardedAmount, ev.OccurredAt()); err != nil {
		h.log.Warn("leaderboard increment failed",
			logger.UserID(ev.AggregateID()),
			logger.XPAmount(ev.AwardedAmount),
			logger.Err(err),
		)
		return err
	}
	return nil
}
