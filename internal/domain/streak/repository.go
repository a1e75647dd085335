package streak

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// Store persists streak states.
type Store interface {
	// Get returns the user's state or ErrNotFound.
	Get(ctx context.Context, userID shared.UserID) (*State, error)

	// Save upserts the state.
	Save(ctx context.Context, state *State) error

	// ListActiveSince returns states whose last activity is on or after
	// the given date. Used by the at-risk sweep.
	ListActiveSince(ctx context.Context, since timeutil.Date) ([]*State, error)
}

// GetOrNew loads the user's state, or a fresh one in the given zone.
func GetOrNew(ctx context.Context, store Store, userID shared.UserID, defaultZone string) (*State, error) {
	st, err := store.Get(ctx, userID)
	if err == nil {
		return st, nil
	}
	if shared.IsNotFound(err) {
		return New(userID, defaultZone), nil
	}
	return nil, err
}
