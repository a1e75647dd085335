package shared

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// UserID identifies a learner. The engine treats it as opaque.
type UserID string

var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

// NewUserID trims and validates a user identifier.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id))
	if !uid.IsValid() {
		return "", NewDomainError("shared", "NewUserID", ErrInvalidID, "user_id must be 1-128 chars of [A-Za-z0-9_.:@-]")
	}
	return uid, nil
}

// IsValid reports whether the identifier has an acceptable shape.
func (u UserID) IsValid() bool {
	return userIDRegex.MatchString(string(u))
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// Clock is the "now" source. Everything time-dependent takes one.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a settable clock for tests and simulations.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock returns a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{now: t}
}

// Now implements Clock.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Pagination bounds list queries.
type Pagination struct {
	Limit int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// NewPagination clamps a requested limit into [1, MaxPageSize].
func NewPagination(limit int) Pagination {
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return Pagination{Limit: limit}
}
