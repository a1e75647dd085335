package ledger

import (
	"context"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Store is the durable append-only XP ledger.
// Implementations live in the infrastructure layer.
type Store interface {
	// Append seals ev against the user's current total (ev.Seal) and
	// persists it, atomically per user. If an event with the same
	// (user, idempotency key) already exists nothing is written and the
	// existing event is returned with created=false.
	Append(ctx context.Context, ev *XPEvent, curve LevelCurve) (stored *XPEvent, created bool, err error)

	// FindByIdempotencyKey returns the event for (user, key) or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, userID shared.UserID, key string) (*XPEvent, error)

	// TotalXP returns the sum of awarded amounts for the user.
	TotalXP(ctx context.Context, userID shared.UserID) (int64, error)

	// CountByType returns how many events of each type the user has.
	CountByType(ctx context.Context, userID shared.UserID) (map[EventType]int, error)

	// ListByUser returns the user's events, newest first.
	ListByUser(ctx context.Context, userID shared.UserID, limit int) ([]*XPEvent, error)

	// Standings aggregates awarded XP per user for events at or after since
	// (zero time means all time), ordered by XP desc then user id asc.
	// limit <= 0 returns every user.
	Standings(ctx context.Context, since time.Time, limit int) ([]Standing, error)
}

// Standing is one user's aggregated XP within a timeframe.
type Standing struct {
	UserID  shared.UserID
	TotalXP int64
}
