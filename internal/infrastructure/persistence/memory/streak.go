package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// StreakStore is an in-memory streak.Store.
type StreakStore struct {
	mu     sync.RWMutex
	states map[shared.UserID]*streak.State
}

// NewStreakStore creates an empty store.
func NewStreakStore() *StreakStore {
	return &StreakStore{states: make(map[shared.UserID]*streak.State)}
}

var _ streak.Store = (*StreakStore)(nil)

// Get implements streak.Store.
func (s *StreakStore) Get(_ context.Context, userID shared.UserID) (*streak.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[userID]
	if !ok {
		return nil, shared.NotFound("memory", "GetStreak", "no streak for user %s", userID)
	}
	return st.Clone(), nil
}

// Save implements streak.Store.
func (s *StreakStore) Save(_ context.Context, state *streak.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.UserID] = state.Clone()
	return nil
}

// ListActiveSince implements streak.Store.
func (s *StreakStore) ListActiveSince(_ context.Context, since timeutil.Date) ([]*streak.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*streak.State
	for _, st := range s.states {
		if !st.LastActivityDate.IsZero() && !st.LastActivityDate.Before(since) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
