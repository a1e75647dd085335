package command

import (
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// UserLocks serializes mutations per user. Entries are reference counted
// and dropped when no goroutine holds or waits for them.
type UserLocks struct {
	mu    sync.Mutex
	locks map[shared.UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewUserLocks creates an empty lock table.
func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[shared.UserID]*userLock)}
}

// Lock blocks until the user's lock is held and returns its release func.
func (l *UserLocks) Lock(userID shared.UserID) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of live entries.
func (l *UserLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
