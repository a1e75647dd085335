package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// View names a read model.
type View string

const (
	ViewProfile      View = "profile"
	ViewAchievements View = "achievements"
	ViewBadges       View = "badges"
	ViewLeaderboard  View = "leaderboard"
)

// RefreshFunc loads a fresh value for (user, view).
type RefreshFunc func(ctx context.Context, userID shared.UserID) (any, error)

type modelKey struct {
	user shared.UserID
	view View
}

func (k modelKey) String() string { return fmt.Sprintf("%s/%s", k.user, k.view) }

// ModelEntry is a cached read model.
type ModelEntry struct {
	Value       any
	Stale       bool
	RefreshedAt time.Time
}

// ReadModels caches named views per user. Invalidated entries keep their
// value, flagged stale, until the next Get refreshes them. Concurrent
// refreshes of one key are coalesced.
type ReadModels struct {
	mu        sync.Mutex
	entries   *lru.Cache
	refresh   map[View]RefreshFunc
	gens      map[modelKey]uint64
	group     singleflight.Group
	clock     shared.Clock
	refreshes int64
}

// NewReadModels creates a store holding at most capacity entries.
func NewReadModels(capacity int, clock shared.Clock) (*ReadModels, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	entries, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("syncer: read model cache: %w", err)
	}
	return &ReadModels{
		entries: entries,
		refresh: make(map[View]RefreshFunc),
		gens:    make(map[modelKey]uint64),
		clock:   clock,
	}, nil
}

// Register sets the loader for a view.
func (m *ReadModels) Register(view View, fn RefreshFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[view] = fn
}

// Get returns the view, refreshing it when missing or stale. If the
// refresh fails and a stale value exists, the stale value is returned with
// the error.
func (m *ReadModels) Get(ctx context.Context, userID shared.UserID, view View) (any, error) {
	key := modelKey{userID, view}
	if e, ok := m.peek(key); ok && !e.Stale {
		return e.Value, nil
	}

	m.mu.Lock()
	fn, ok := m.refresh[view]
	m.mu.Unlock()
	if !ok {
		return nil, shared.NotFound("syncer", "ReadModels.Get", "no loader for view %q", view)
	}

	v, err, _ := m.group.Do(key.String(), func() (interface{}, error) {
		m.mu.Lock()
		gen := m.gens[key]
		m.mu.Unlock()

		value, err := fn(ctx, userID)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.refreshes++
		// An invalidation that raced the load leaves the result stale.
		stale := m.gens[key] != gen
		m.entries.Add(key, &ModelEntry{Value: value, Stale: stale, RefreshedAt: m.clock.Now()})
		m.mu.Unlock()
		return value, nil
	})
	if err != nil {
		if e, ok := m.peek(key); ok {
			return e.Value, err
		}
		return nil, err
	}
	return v, nil
}

// Peek returns the cached entry without refreshing.
func (m *ReadModels) Peek(userID shared.UserID, view View) (ModelEntry, bool) {
	return m.peek(modelKey{userID, view})
}

func (m *ReadModels) peek(key modelKey) (ModelEntry, bool) {
	v, ok := m.entries.Get(key)
	if !ok {
		return ModelEntry{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return *v.(*ModelEntry), true
}

// Put stores a fresh value.
func (m *ReadModels) Put(userID shared.UserID, view View, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Add(modelKey{userID, view}, &ModelEntry{Value: value, RefreshedAt: m.clock.Now()})
}

// Invalidate marks views stale for the user.
func (m *ReadModels) Invalidate(userID shared.UserID, views ...View) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, view := range views {
		key := modelKey{userID, view}
		m.gens[key]++
		if v, ok := m.entries.Peek(key); ok {
			v.(*ModelEntry).Stale = true
		}
	}
}

// Refreshes counts successful loads.
func (m *ReadModels) Refreshes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// Len returns the number of cached entries.
func (m *ReadModels) Len() int { return m.entries.Len() }
