package leaderboard

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Cache keeps rankings as incrementally maintained sorted sets, one per
// (timeframe, period). The ledger remains the source of truth: a missing
// or unreachable cache is answered from ledger.Store.Standings.
type Cache interface {
	// Increment adds delta to the user's score in every timeframe bucket
	// containing at.
	Increment(ctx context.Context, userID shared.UserID, delta int64, at time.Time) error

	// Top returns up to limit standings for the period, ordered by XP desc
	// then user id asc. ok is false when the bucket has never been built.
	Top(ctx context.Context, tf Timeframe, period string, limit int) (standings []ledger.Standing, ok bool, err error)

	// Replace atomically swaps the bucket contents.
	Replace(ctx context.Context, tf Timeframe, period string, standings []ledger.Standing) error
}
