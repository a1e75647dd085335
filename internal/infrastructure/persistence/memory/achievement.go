package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// UnlockStore is an in-memory achievement.UnlockStore.
type UnlockStore struct {
	mu      sync.RWMutex
	unlocks map[shared.UserID]map[string]achievement.Unlock
}

// NewUnlockStore creates an empty store.
func NewUnlockStore() *UnlockStore {
	return &UnlockStore{unlocks: make(map[shared.UserID]map[string]achievement.Unlock)}
}

var _ achievement.UnlockStore = (*UnlockStore)(nil)

// Unlock implements achievement.UnlockStore.
func (s *UnlockStore) Unlock(_ context.Context, u achievement.Unlock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.unlocks[u.UserID]
	if !ok {
		byID = make(map[string]achievement.Unlock)
		s.unlocks[u.UserID] = byID
	}
	if _, exists := byID[u.AchievementID]; exists {
		return false, nil
	}
	byID[u.AchievementID] = u
	return true, nil
}

// ListByUser implements achievement.UnlockStore.
func (s *UnlockStore) ListByUser(_ context.Context, userID shared.UserID) ([]achievement.Unlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(userID, func(achievement.Unlock) bool { return true }), nil
}

// ListByTrigger implements achievement.UnlockStore.
func (s *UnlockStore) ListByTrigger(_ context.Context, userID shared.UserID, eventID string) ([]achievement.Unlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(userID, func(u achievement.Unlock) bool { return u.TriggerEventID == eventID }), nil
}

func (s *UnlockStore) collect(userID shared.UserID, keep func(achievement.Unlock) bool) []achievement.Unlock {
	out := make([]achievement.Unlock, 0, len(s.unlocks[userID]))
	for _, u := range s.unlocks[userID] {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out
}
