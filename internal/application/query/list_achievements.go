package query

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ListAchievementsQuery filters the catalog for one user.
type ListAchievementsQuery struct {
	UserID string
	// Category is optional.
	Category     string
	UnlockedOnly bool
}

// ListAchievementsHandler merges the catalog with the user's unlocks.
type ListAchievementsHandler struct {
	engine  *achievement.Engine
	unlocks achievement.UnlockStore
}

// NewListAchievementsHandler creates the handler.
func NewListAchievementsHandler(engine *achievement.Engine, unlocks achievement.UnlockStore) *ListAchievementsHandler {
	return &ListAchievementsHandler{engine: engine, unlocks: unlocks}
}

// Handle returns the matching achievements sorted by id.
func (h *ListAchievementsHandler) Handle(ctx context.Context, q ListAchievementsQuery) ([]achievement.Status, error) {
	userID, err := shared.NewUserID(q.UserID)
	if err != nil {
		return nil, err
	}
	category, err := achievement.ParseCategory(q.Category)
	if err != nil {
		return nil, err
	}

	unlocks, err := h.unlocks.ListByUser(ctx, userID)
	if err != nil {
		return nil, shared.Transient("achievement", "ListAchievements", err)
	}
	return h.engine.Statuses(unlocks, category, q.UnlockedOnly), nil
}
