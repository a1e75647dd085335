package syncer

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
	"github.com/alem-hub/progress-engine/pkg/tracing"
)

// ErrCoordinatorClosed is returned for submissions after Close.
var ErrCoordinatorClosed = errors.New("syncer: coordinator is closed")

// Config tunes the coordinator. The gamification constants are used only
// for optimistic estimates; confirmed values always come from the
// authority.
type Config struct {
	// RequestTimeout bounds each authoritative call. A timeout is a
	// failure and triggers rollback.
	RequestTimeout time.Duration
	// IdleTimeout stops a user's actor after this long without work.
	IdleTimeout time.Duration
	// HistorySize is how many resolved operations View reports per user.
	HistorySize int
	// LeaderboardTimeframe and LeaderboardLimit select the page the
	// leaderboard view holds.
	LeaderboardTimeframe string
	LeaderboardLimit     int

	Curve           ledger.LevelCurve
	Streak          streak.MultiplierPolicy
	WeekendFactor   ledger.Multiplier
	DefaultTimeZone string
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:  10 * time.Second,
		IdleTimeout:     time.Minute,
		HistorySize:          32,
		LeaderboardTimeframe: "all_time",
		LeaderboardLimit:     10,
		Curve:                ledger.DefaultLevelCurve(),
		Streak:               streak.DefaultMultiplierPolicy(),
		WeekendFactor:        1200,
		DefaultTimeZone:      "UTC",
	}
}

// LocalView is what a UI renders: the optimistic profile plus the
// operations behind it.
type LocalView struct {
	Profile progress.GamificationProfile `json:"profile"`
	// Pending operations are still in flight (loading indicator).
	Pending []PendingSyncOperation `json:"pending"`
	// Recent holds resolved operations, newest last (error indicator for
	// failed ones).
	Recent []PendingSyncOperation `json:"recent"`
}

// userState is the local, per-user copy of progress.
type userState struct {
	mu         sync.Mutex
	loaded     bool
	baseline   progress.GamificationProfile
	baseStreak *streak.State
	pending    []*PendingSyncOperation
	history    []PendingSyncOperation
	view       progress.GamificationProfile
	viewStreak *streak.State
}

type task struct {
	ctx    context.Context
	op     *PendingSyncOperation
	award  *AwardRequest
	streak *StreakRequest
	future *Future
}

type actor struct {
	mu    sync.Mutex
	queue []*task
	wake  chan struct{}
}

// Coordinator serializes mutations per user and keeps local views
// consistent with the authority.
type Coordinator struct {
	authority Authority
	models    *ReadModels
	cfg       Config
	clock     shared.Clock
	log       *logger.Logger

	mu     sync.Mutex
	actors map[shared.UserID]*actor
	users  map[shared.UserID]*userState
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. models may be nil, in which case a
// default store is created. The profile and badge views are always
// registered; the achievements and leaderboard views are registered when
// authority also implements Reader.
func NewCoordinator(authority Authority, models *ReadModels, cfg Config, clock shared.Clock, log *logger.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.LeaderboardTimeframe == "" {
		cfg.LeaderboardTimeframe = def.LeaderboardTimeframe
	}
	if cfg.LeaderboardLimit <= 0 {
		cfg.LeaderboardLimit = def.LeaderboardLimit
	}
	if cfg.Curve.Constant == 0 {
		cfg.Curve = def.Curve
	}
	if cfg.Streak.Step == 0 && cfg.Streak.Max == 0 {
		cfg.Streak = def.Streak
	}
	if cfg.WeekendFactor == 0 {
		cfg.WeekendFactor = def.WeekendFactor
	}
	if cfg.DefaultTimeZone == "" {
		cfg.DefaultTimeZone = def.DefaultTimeZone
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	if models == nil {
		// Only fails for a non-positive capacity.
		models, _ = NewReadModels(1024, clock)
	}

	c := &Coordinator{
		authority: authority,
		models:    models,
		cfg:       cfg,
		clock:     clock,
		log:       log.Named("sync_coordinator"),
		actors:    make(map[shared.UserID]*actor),
		users:     make(map[shared.UserID]*userState),
		done:      make(chan struct{}),
	}
	models.Register(ViewProfile, func(ctx context.Context, userID shared.UserID) (any, error) {
		return authority.GetProfile(ctx, userID)
	})
	models.Register(ViewBadges, func(ctx context.Context, userID shared.UserID) (any, error) {
		p, err := authority.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		return slices.Clone(p.BadgeIDs), nil
	})
	if r, ok := authority.(Reader); ok {
		models.Register(ViewAchievements, func(ctx context.Context, userID shared.UserID) (any, error) {
			return r.ListAchievements(ctx, userID)
		})
		models.Register(ViewLeaderboard, func(ctx context.Context, _ shared.UserID) (any, error) {
			return r.GetLeaderboard(ctx, cfg.LeaderboardTimeframe, cfg.LeaderboardLimit)
		})
	}
	return c
}

// ReadModels exposes the read-model store for registering more views.
func (c *Coordinator) ReadModels() *ReadModels { return c.models }

// ══════════════════════════════════════════════════════════════════════════════
// SUBMISSION
// ══════════════════════════════════════════════════════════════════════════════

// AwardXP applies the estimated award to the local view and queues the
// authoritative call. An empty idempotency key is replaced by the
// operation id.
func (c *Coordinator) AwardXP(ctx context.Context, req AwardRequest) (*Future, error) {
	userID, err := shared.NewUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	if req.BaseAmount <= 0 {
		return nil, shared.Validation("syncer", "AwardXP", "base_amount must be positive, got %d", req.BaseAmount)
	}
	// Anything the authority would reject never reaches the local view.
	if _, err := ledger.ParseEventType(req.EventType); err != nil {
		return nil, err
	}
	if _, err := ledger.ParseSource(req.Source); err != nil {
		return nil, err
	}
	if len(req.IdempotencyKey) > ledger.MaxIdempotencyKeyLen {
		return nil, shared.Validation("syncer", "AwardXP", "idempotency_key longer than %d bytes", ledger.MaxIdempotencyKeyLen)
	}

	op := c.newOperation(userID, KindAwardXP)
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = op.ID
	}

	st := c.state(userID)
	st.mu.Lock()
	now := c.clock.Now()
	op.Delta = Delta{XP: c.estimate(st.viewStreak, now).Apply(req.BaseAmount)}
	st.pending = append(st.pending, op)
	c.recompute(st, now)
	st.mu.Unlock()

	c.log.Debug("optimistic award applied",
		logger.UserID(string(userID)),
		logger.OperationID(op.ID),
		logger.XPAmount(op.Delta.XP),
	)
	return c.enqueue(ctx, userID, &task{op: op, award: &req})
}

// UpdateStreak applies the streak tick locally and queues the
// authoritative call.
func (c *Coordinator) UpdateStreak(ctx context.Context, req StreakRequest) (*Future, error) {
	userID, err := shared.NewUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	date, err := timeutil.ParseDate(req.ActivityDate)
	if err != nil {
		return nil, shared.Validation("syncer", "UpdateStreak", "activity_date %q must be YYYY-MM-DD", req.ActivityDate)
	}
	tz := strings.TrimSpace(req.TimeZone)
	if tz != "" {
		if _, err := timeutil.LoadLocation(tz); err != nil {
			return nil, shared.Validation("syncer", "UpdateStreak", "unknown time_zone %q", tz)
		}
	}

	op := c.newOperation(userID, KindUpdateStreak)
	op.Delta = Delta{ActivityDate: date, TimeZone: tz}

	st := c.state(userID)
	st.mu.Lock()
	st.pending = append(st.pending, op)
	c.recompute(st, c.clock.Now())
	st.mu.Unlock()

	return c.enqueue(ctx, userID, &task{op: op, streak: &req})
}

func (c *Coordinator) newOperation(userID shared.UserID, kind OperationKind) *PendingSyncOperation {
	return &PendingSyncOperation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		Status:      StatusPending,
		SubmittedAt: c.clock.Now().UTC(),
	}
}

// estimate mirrors the server multiplier from the local streak.
func (c *Coordinator) estimate(st *streak.State, now time.Time) ledger.Multiplier {
	m := c.cfg.Streak.Multiplier(st.EffectiveStreak(st.Today(now)))
	if timeutil.DateOf(now, st.Location()).IsWeekend() {
		m = m.Mul(c.cfg.WeekendFactor)
	}
	return m
}

func (c *Coordinator) state(userID shared.UserID) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.users[userID]
	if !ok {
		p := progress.Empty(userID, c.cfg.Curve)
		st = &userState{
			baseline:   p,
			baseStreak: streakFromProfile(p, c.cfg.DefaultTimeZone),
		}
		c.recompute(st, c.clock.Now())
		c.users[userID] = st
	}
	return st
}

func (c *Coordinator) enqueue(ctx context.Context, userID shared.UserID, t *task) (*Future, error) {
	t.ctx = ctx
	t.future = newFuture()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.resolve(userID, t, nil, nil, ErrCoordinatorClosed)
		return nil, ErrCoordinatorClosed
	}
	a, ok := c.actors[userID]
	if !ok {
		a = &actor{wake: make(chan struct{}, 1)}
		c.actors[userID] = a
		c.wg.Add(1)
		go c.run(userID, a)
	}
	a.mu.Lock()
	a.queue = append(a.queue, t)
	a.mu.Unlock()
	c.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return t.future, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTOR
// ══════════════════════════════════════════════════════════════════════════════

func (c *Coordinator) run(userID shared.UserID, a *actor) {
	defer c.wg.Done()
	for {
		if t := a.pop(); t != nil {
			c.process(userID, t)
			continue
		}
		select {
		case <-a.wake:
		case <-time.After(c.cfg.IdleTimeout):
			if c.retire(userID, a) {
				return
			}
		case <-c.done:
			if c.retire(userID, a) {
				return
			}
		}
	}
}

func (a *actor) pop() *task {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	t := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	return t
}

// retire removes an idle actor. It fails if work arrived meanwhile.
func (c *Coordinator) retire(userID shared.UserID, a *actor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 {
		return false
	}
	if c.actors[userID] == a {
		delete(c.actors, userID)
	}
	return true
}

func (c *Coordinator) process(userID shared.UserID, t *task) {
	// The caller may stop waiting; the call still runs to completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), c.cfg.RequestTimeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "syncer."+string(t.op.Kind), trace.WithAttributes(
		attribute.String("user.id", string(userID)),
		attribute.String("sync.operation_id", t.op.ID),
	))
	defer span.End()

	c.ensureBaseline(ctx, userID)

	var (
		award *AwardResponse
		sr    *StreakResponse
		err   error
	)
	switch t.op.Kind {
	case KindAwardXP:
		award, err = c.authority.AwardXP(ctx, *t.award)
	case KindUpdateStreak:
		sr, err = c.authority.UpdateStreak(ctx, *t.streak)
	}
	if err != nil {
		err = classify(string(t.op.Kind), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.resolve(userID, t, award, sr, err)
}

// ensureBaseline loads the server profile before the user's first call.
func (c *Coordinator) ensureBaseline(ctx context.Context, userID shared.UserID) {
	st := c.state(userID)
	st.mu.Lock()
	loaded := st.loaded
	st.mu.Unlock()
	if loaded {
		return
	}

	p, err := c.authority.GetProfile(ctx, userID)
	if err != nil {
		c.log.Warn("baseline load failed, continuing from local estimate",
			logger.UserID(string(userID)), logger.Err(err))
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.loaded {
		return
	}
	st.loaded = true
	st.baseline = p.Clone()
	st.baseStreak = streakFromProfile(st.baseline, c.cfg.DefaultTimeZone)
	c.recompute(st, c.clock.Now())
	c.models.Put(userID, ViewProfile, p)
}

// ══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION
// ══════════════════════════════════════════════════════════════════════════════

func (c *Coordinator) resolve(userID shared.UserID, t *task, award *AwardResponse, sr *StreakResponse, err error) {
	st := c.state(userID)
	now := c.clock.Now()
	log := c.log.With(logger.UserID(string(userID)), logger.OperationID(t.op.ID))

	st.mu.Lock()
	st.pending = slices.DeleteFunc(st.pending, func(p *PendingSyncOperation) bool { return p == t.op })

	var invalidate []View
	if err != nil {
		t.op.Status = StatusFailed
		t.op.Error = err.Error()
	} else {
		t.op.Status = StatusConfirmed
		invalidate = c.confirm(st, award, sr)
	}
	t.op.ResolvedAt = now.UTC()
	st.history = append(st.history, *t.op)
	if over := len(st.history) - c.cfg.HistorySize; over > 0 {
		st.history = slices.Delete(st.history, 0, over)
	}

	c.recompute(st, now)
	result := &Result{Operation: *t.op, Award: award, Streak: sr, Profile: st.view.Clone()}
	st.mu.Unlock()

	if err != nil {
		log.Warn("operation failed, local view rolled back",
			logger.String("kind", string(t.op.Kind)), logger.Err(err))
		t.future.resolve(result, err)
		return
	}

	c.models.Invalidate(userID, invalidate...)
	log.Debug("operation confirmed", logger.String("kind", string(t.op.Kind)))
	t.future.resolve(result, nil)
}

// confirm folds a server result into the baseline and returns the read
// models it made stale. Must be called with st.mu held.
func (c *Coordinator) confirm(st *userState, award *AwardResponse, sr *StreakResponse) []View {
	views := []View{ViewProfile}
	u := progress.NewProfileUpdate()

	var (
		total   int64
		level   int
		levelUp bool
		unlocks int
		badges  []string
		replay  bool
	)
	switch {
	case award != nil:
		total, level, levelUp, replay = award.TotalXP, award.Level, award.LevelUp, award.Replayed
		for _, a := range award.NewAchievements {
			unlocks++
			if a.Badge != "" {
				badges = append(badges, a.Badge)
			}
		}
	case sr != nil:
		total, level, levelUp = sr.TotalXP, sr.Level, sr.LevelUp
		for _, a := range sr.NewAchievements {
			unlocks++
			if a.Badge != "" {
				badges = append(badges, a.Badge)
			}
		}
		st.baseStreak = &streak.State{
			UserID:           st.baseline.UserID,
			CurrentStreak:    sr.CurrentStreak,
			LongestStreak:    sr.LongestStreak,
			LastActivityDate: sr.LastActivityDate,
			TimeZone:         firstNonEmpty(sr.TimeZone, st.baseStreak.TimeZone, c.cfg.DefaultTimeZone),
		}
		u.WithStreak(sr.CurrentStreak, sr.LongestStreak, sr.Status, sr.LastActivityDate)
	}

	// A replayed award reports its original totals, which may trail what
	// the baseline already knows. The level is the server's; the local
	// curve only estimates it.
	if total > st.baseline.TotalXP {
		u.WithTotalXP(total)
		if level > 0 {
			u.WithLevel(level)
		}
	}
	if unlocks > 0 && !replay {
		u.WithUnlockedCount(st.baseline.AchievementsUnlockedCount + unlocks).WithBadges(badges...)
	}
	st.baseline = u.Apply(st.baseline, c.cfg.Curve)
	if st.baseStreak.TimeZone != "" {
		st.baseline.Streak.TimeZone = st.baseStreak.TimeZone
	}

	if unlocks > 0 {
		views = append(views, ViewAchievements, ViewBadges)
	}
	if levelUp {
		views = append(views, ViewLeaderboard)
	}
	return views
}

// recompute rebuilds the view as baseline plus every pending delta in
// submission order. Must be called with st.mu held.
func (c *Coordinator) recompute(st *userState, now time.Time) {
	view := st.baseline.Clone()
	s := st.baseStreak.Clone()
	for _, op := range st.pending {
		view = op.Delta.apply(view, s, c.cfg.Curve, now)
	}
	view.Streak = s.SnapshotAt(now)
	st.view = view
	st.viewStreak = s
}

func streakFromProfile(p progress.GamificationProfile, defaultZone string) *streak.State {
	return &streak.State{
		UserID:           p.UserID,
		CurrentStreak:    p.Streak.CurrentStreak,
		LongestStreak:    p.Streak.LongestStreak,
		LastActivityDate: p.Streak.LastActivityDate,
		TimeZone:         firstNonEmpty(p.Streak.TimeZone, defaultZone),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func classify(op string, err error) error {
	var de *shared.DomainError
	if errors.As(err, &de) {
		return err
	}
	return shared.Transient("syncer", op, err)
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// View returns the local view for the user. It never waits on mutations.
func (c *Coordinator) View(userID shared.UserID) LocalView {
	st := c.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	v := LocalView{
		Profile: st.view.Clone(),
		Pending: make([]PendingSyncOperation, 0, len(st.pending)),
		Recent:  slices.Clone(st.history),
	}
	for _, op := range st.pending {
		v.Pending = append(v.Pending, *op)
	}
	if v.Recent == nil {
		v.Recent = []PendingSyncOperation{}
	}
	return v
}

// Profile returns the server profile read model, refreshing it when stale.
func (c *Coordinator) Profile(ctx context.Context, userID shared.UserID) (*progress.GamificationProfile, error) {
	v, err := c.models.Get(ctx, userID, ViewProfile)
	if v == nil {
		return nil, err
	}
	return v.(*progress.GamificationProfile), err
}

// Badges returns the badge read model.
func (c *Coordinator) Badges(ctx context.Context, userID shared.UserID) ([]string, error) {
	v, err := c.models.Get(ctx, userID, ViewBadges)
	badges, _ := v.([]string)
	return badges, err
}

// Achievements returns the achievements read model. It needs an authority
// that implements Reader.
func (c *Coordinator) Achievements(ctx context.Context, userID shared.UserID) ([]achievement.Status, error) {
	v, err := c.models.Get(ctx, userID, ViewAchievements)
	list, _ := v.([]achievement.Status)
	return list, err
}

// Leaderboard returns the leaderboard page held for the user. It needs an
// authority that implements Reader.
func (c *Coordinator) Leaderboard(ctx context.Context, userID shared.UserID) (*query.GetLeaderboardResult, error) {
	v, err := c.models.Get(ctx, userID, ViewLeaderboard)
	board, _ := v.(*query.GetLeaderboardResult)
	return board, err
}

// Actors returns the number of live actors.
func (c *Coordinator) Actors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actors)
}

// Close rejects new submissions and waits for queued ones to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
