// Package memory provides in-process implementations of every store. They
// back the tests and STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

type idemKey struct {
	user shared.UserID
	key  string
}

// LedgerStore is an in-memory ledger.Store.
type LedgerStore struct {
	mu     sync.RWMutex
	events map[shared.UserID][]*ledger.XPEvent
	byKey  map[idemKey]*ledger.XPEvent
	totals map[shared.UserID]int64
}

// NewLedgerStore creates an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		events: make(map[shared.UserID][]*ledger.XPEvent),
		byKey:  make(map[idemKey]*ledger.XPEvent),
		totals: make(map[shared.UserID]int64),
	}
}

var _ ledger.Store = (*LedgerStore)(nil)

// Append implements ledger.Store.
func (s *LedgerStore) Append(ctx context.Context, ev *ledger.XPEvent, curve ledger.LevelCurve) (*ledger.XPEvent, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, shared.Transient("memory", "Append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := idemKey{ev.UserID, ev.IdempotencyKey}
	if existing, ok := s.byKey[k]; ok {
		c := *existing
		return &c, false, nil
	}

	if err := ev.Seal(s.totals[ev.UserID], curve); err != nil {
		return nil, false, err
	}

	stored := *ev
	s.events[ev.UserID] = append(s.events[ev.UserID], &stored)
	s.byKey[k] = &stored
	s.totals[ev.UserID] = stored.TotalAfter

	c := stored
	return &c, true, nil
}

// FindByIdempotencyKey implements ledger.Store.
func (s *LedgerStore) FindByIdempotencyKey(_ context.Context, userID shared.UserID, key string) (*ledger.XPEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byKey[idemKey{userID, key}]
	if !ok {
		return nil, shared.NotFound("memory", "FindByIdempotencyKey", "no event for key %q", key)
	}
	c := *ev
	return &c, nil
}

// TotalXP implements ledger.Store.
func (s *LedgerStore) TotalXP(_ context.Context, userID shared.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals[userID], nil
}

// CountByType implements ledger.Store.
func (s *LedgerStore) CountByType(_ context.Context, userID shared.UserID) (map[ledger.EventType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[ledger.EventType]int)
	for _, ev := range s.events[userID] {
		counts[ev.Type]++
	}
	return counts, nil
}

// ListByUser implements ledger.Store.
func (s *LedgerStore) ListByUser(_ context.Context, userID shared.UserID, limit int) ([]*ledger.XPEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[userID]
	out := make([]*ledger.XPEvent, 0, len(evs))
	for i := len(evs) - 1; i >= 0; i-- {
		c := *evs[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Standings implements ledger.Store.
func (s *LedgerStore) Standings(_ context.Context, since time.Time, limit int) ([]ledger.Standing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Standing, 0, len(s.events))
	for user, evs := range s.events {
		var sum int64
		for _, ev := range evs {
			if since.IsZero() || !ev.Timestamp.Before(since) {
				sum += ev.AwardedAmount
			}
		}
		if sum > 0 {
			out = append(out, ledger.Standing{UserID: user, TotalXP: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalXP != out[j].TotalXP {
			return out[i].TotalXP > out[j].TotalXP
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
