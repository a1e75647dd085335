package query

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PROFILE QUERY
// Assembles the GamificationProfile from the ledger total, the streak state
// and the user's unlocks. The three loads run concurrently; concurrent
// requests for one user share a single assembly.
// ══════════════════════════════════════════════════════════════════════════════

const (
	defaultProfileCacheSize = 4096
	defaultProfileTTL       = 30 * time.Second
)

// ProfileCache is an optional shared cache in front of the assembly.
type ProfileCache interface {
	GetProfile(ctx context.Context, userID shared.UserID) (*progress.GamificationProfile, error)
	SetProfile(ctx context.Context, p progress.GamificationProfile, ttl time.Duration) error
	DeleteProfile(ctx context.Context, userID shared.UserID) error
}

// GetProfileQuery contains the profile parameters.
type GetProfileQuery struct {
	UserID string
}

type cachedProfile struct {
	profile  progress.GamificationProfile
	cachedAt time.Time
}

// GetProfileHandler handles GetProfileQuery.
type GetProfileHandler struct {
	ledger  ledger.Store
	streaks streak.Store
	unlocks achievement.UnlockStore
	builder *progress.Builder
	remote  ProfileCache
	local   *lru.Cache
	ttl     time.Duration
	group   singleflight.Group
	zone    string
	clock   shared.Clock
	log     *logger.Logger

	// gens counts invalidations per user. A load only caches its result
	// when no invalidation happened while it ran.
	gensMu sync.Mutex
	gens   map[shared.UserID]uint64
}

// ProfileOption customizes GetProfileHandler.
type ProfileOption func(*GetProfileHandler)

// WithProfileCache fronts the assembly with a shared cache.
func WithProfileCache(c ProfileCache) ProfileOption {
	return func(h *GetProfileHandler) { h.remote = c }
}

// WithProfileTTL sets how long cached profiles are served. Zero disables
// the local cache.
func WithProfileTTL(ttl time.Duration) ProfileOption {
	return func(h *GetProfileHandler) { h.ttl = ttl }
}

// WithDefaultTimeZone sets the zone for users without streak state.
func WithDefaultTimeZone(zone string) ProfileOption {
	return func(h *GetProfileHandler) { h.zone = zone }
}

// NewGetProfileHandler creates the handler.
func NewGetProfileHandler(
	ledgerStore ledger.Store,
	streaks streak.Store,
	unlocks achievement.UnlockStore,
	builder *progress.Builder,
	clock shared.Clock,
	log *logger.Logger,
	opts ...ProfileOption,
) *GetProfileHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	h := &GetProfileHandler{
		ledger:  ledgerStore,
		streaks: streaks,
		unlocks: unlocks,
		builder: builder,
		ttl:     defaultProfileTTL,
		gens:    make(map[shared.UserID]uint64),
		zone:    "UTC",
		clock:   clock,
		log:     log.Named("get_profile"),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.ttl > 0 {
		// Only fails for a non-positive size.
		h.local, _ = lru.New(defaultProfileCacheSize)
	}
	return h
}

// Handle executes the query.
func (h *GetProfileHandler) Handle(ctx context.Context, q GetProfileQuery) (*progress.GamificationProfile, error) {
	userID, err := shared.NewUserID(q.UserID)
	if err != nil {
		return nil, err
	}

	now := h.clock.Now()
	if p, ok := h.fromLocal(userID, now); ok {
		return &p, nil
	}

	v, err, _ := h.group.Do(string(userID), func() (interface{}, error) {
		return h.load(ctx, userID, now)
	})
	if err != nil {
		return nil, err
	}
	p := v.(progress.GamificationProfile).Clone()
	return &p, nil
}

// Invalidate drops cached copies after a mutation. Loads already in flight
// still answer their callers but no longer populate the caches, and later
// reads start a fresh load.
func (h *GetProfileHandler) Invalidate(ctx context.Context, userID shared.UserID) error {
	h.gensMu.Lock()
	h.gens[userID]++
	h.gensMu.Unlock()

	h.group.Forget(string(userID))
	if h.local != nil {
		h.local.Remove(userID)
	}
	if h.remote != nil {
		return h.remote.DeleteProfile(ctx, userID)
	}
	return nil
}

func (h *GetProfileHandler) generation(userID shared.UserID) uint64 {
	h.gensMu.Lock()
	defer h.gensMu.Unlock()
	return h.gens[userID]
}

func (h *GetProfileHandler) fromLocal(userID shared.UserID, now time.Time) (progress.GamificationProfile, bool) {
	if h.local == nil {
		return progress.GamificationProfile{}, false
	}
	v, ok := h.local.Get(userID)
	if !ok {
		return progress.GamificationProfile{}, false
	}
	c := v.(cachedProfile)
	if now.Sub(c.cachedAt) > h.ttl {
		h.local.Remove(userID)
		return progress.GamificationProfile{}, false
	}
	return c.profile.Clone(), true
}

func (h *GetProfileHandler) load(ctx context.Context, userID shared.UserID, now time.Time) (progress.GamificationProfile, error) {
	log := h.log.With(logger.UserID(string(userID)))
	gen := h.generation(userID)

	if h.remote != nil {
		cached, err := h.remote.GetProfile(ctx, userID)
		switch {
		case err == nil && cached != nil:
			h.remember(*cached, gen, now)
			return *cached, nil
		case err != nil && !shared.IsNotFound(err):
			log.Warn("profile cache read failed", logger.Err(err))
		}
	}

	var (
		total   int64
		st      *streak.State
		unlocks []achievement.Unlock
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		total, err = h.ledger.TotalXP(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		st, err = streak.GetOrNew(gctx, h.streaks, userID, h.zone)
		return err
	})
	g.Go(func() error {
		var err error
		unlocks, err = h.unlocks.ListByUser(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return progress.GamificationProfile{}, shared.Transient("progress", "GetProfile", err)
	}

	p := h.builder.Profile(progress.Sources{
		UserID:  userID,
		TotalXP: total,
		Streak:  st,
		Unlocks: unlocks,
		Now:     now,
	})
	log.Debug("profile assembled", logger.Int64("total_xp", p.TotalXP), logger.Int("level", p.Level))

	if !h.remember(p, gen, now) {
		log.Debug("profile changed during load, not caching")
		return p, nil
	}
	if h.remote != nil && h.ttl > 0 {
		if err := h.remote.SetProfile(ctx, p, h.ttl); err != nil {
			log.Warn("profile cache write failed", logger.Err(err))
		}
		// An invalidation that raced the write may have run before it.
		if h.generation(userID) != gen {
			if err := h.remote.DeleteProfile(ctx, userID); err != nil {
				log.Warn("profile cache delete failed", logger.Err(err))
			}
		}
	}
	return p, nil
}

// remember stores p locally unless the user was invalidated since gen was
// read. It reports whether p is still current.
func (h *GetProfileHandler) remember(p progress.GamificationProfile, gen uint64, now time.Time) bool {
	h.gensMu.Lock()
	defer h.gensMu.Unlock()
	if h.gens[p.UserID] != gen {
		return false
	}
	if h.local != nil {
		h.local.Add(p.UserID, cachedProfile{profile: p.Clone(), cachedAt: now})
	}
	return true
}
