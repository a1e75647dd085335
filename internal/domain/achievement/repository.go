package achievement

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// UnlockStore persists unlocks. A (user, achievement) pair is stored at most
// once.
type UnlockStore interface {
	// Unlock stores u unless the pair already exists. created reports
	// whether this call stored it.
	Unlock(ctx context.Context, u Unlock) (created bool, err error)

	// ListByUser returns the user's unlocks ordered by achievement id.
	ListByUser(ctx context.Context, userID shared.UserID) ([]Unlock, error)

	// ListByTrigger returns the unlocks caused by one ledger event.
	ListByTrigger(ctx context.Context, userID shared.UserID, eventID string) ([]Unlock, error)
}
