// Package app is the composition root shared by the binaries: it opens the
// configured storage, builds the command and query handlers, subscribes the
// event handlers and assembles the scheduler jobs.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/eventhandler"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/application/saga"
	"github.com/alem-hub/progress-engine/internal/application/syncer"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/leaderboard"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// Stores groups the persistence ports.
type Stores struct {
	Ledger  ledger.Store
	Streaks streak.Store
	Unlocks achievement.UnlockStore
	History retention.SubmissionHistory
	Records retention.RecordStore
	// Leaderboard is nil when no cache backend is available; queries then
	// aggregate from the ledger.
	Leaderboard leaderboard.Cache
	Profiles    query.ProfileCache
}

// App holds everything the binaries need.
type App struct {
	Config *config.Config
	Logger *logger.Logger
	Clock  shared.Clock
	Bus    *messaging.InMemoryEventBus
	Stores Stores

	Catalog *achievement.Catalog
	Engine  *achievement.Engine
	Builder *progress.Builder
	Scorer  *retention.Scorer

	AwardXP          *command.AwardXPHandler
	UpdateStreak     *command.UpdateStreakHandler
	RecordSubmission *command.RecordSubmissionHandler
	Profile          *query.GetProfileHandler
	Leaderboard      *query.GetLeaderboardHandler
	Achievements     *query.ListAchievementsHandler
	Retention        *query.RetentionHandler
	Authority        *syncer.LocalAuthority

	Health *handlers.CompositeHealthChecker

	closers []func()
}

// New wires the application. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{
		Config: cfg,
		Logger: log,
		Clock:  shared.SystemClock{},
		Health: handlers.NewCompositeHealthChecker(cfg.App.Version),
	}

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildDomain(); err != nil {
		a.Close()
		return nil, err
	}

	busCfg := messaging.DefaultInMemoryEventBusConfig()
	busCfg.Logger = log
	a.Bus = messaging.NewInMemoryEventBus(busCfg)
	a.closers = append(a.closers, func() { _ = a.Bus.Close() })

	a.buildHandlers()
	if err := a.subscribe(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STORAGE
// ══════════════════════════════════════════════════════════════════════════════

func (a *App) openStorage(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case config.StorageMemory:
		a.Logger.Warn("using in-memory storage; state is lost on restart")
		a.Stores = Stores{
			Ledger:      memory.NewLedgerStore(),
			Streaks:     memory.NewStreakStore(),
			Unlocks:     memory.NewUnlockStore(),
			History:     memory.NewSubmissionHistory(),
			Records:     memory.NewRecordStore(),
			Leaderboard: memory.NewLeaderboardCache(),
		}
	case config.StoragePostgres:
		conn, err := a.connectPostgres(ctx)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		a.Health.AddCheck("postgres", handlers.NewPingCheck(conn))

		if a.Config.Database.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			a.Logger.Info("database schema is up to date")
		}
		a.Stores = Stores{
			Ledger:  postgres.NewLedgerRepository(conn),
			Streaks: postgres.NewStreakRepository(conn),
			Unlocks: postgres.NewUnlockRepository(conn),
			History: postgres.NewSubmissionRepository(conn),
			Records: postgres.NewRetentionRecordRepository(conn),
		}
	default:
		return fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
	}

	if !a.Config.Redis.Disabled {
		a.openRedis(ctx)
	}
	return nil
}

func (a *App) connectPostgres(ctx context.Context) (*postgres.Connection, error) {
	a.Logger.Info("connecting to database")
	var conn *postgres.Connection
	err := retry.DatabaseRetrier().Do(ctx, func(ctx context.Context) error {
		c, err := postgres.NewConnection(ctx, a.Config.Database)
		if err != nil {
			a.Logger.Warn("database not reachable yet", logger.Err(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.Logger.Info("database connection established")
	return conn, nil
}

// openRedis attaches the Redis caches. Redis is optional: without it the
// memory leaderboard cache (memory driver) or none (postgres) is used.
func (a *App) openRedis(ctx context.Context) {
	client, err := redis.NewClient(ctx, a.Config.Redis)
	if err != nil {
		a.Logger.Warn("redis unavailable, caching degraded", logger.Err(err))
		return
	}
	a.closers = append(a.closers, func() { _ = client.Close() })

	cache := redis.NewCache(client)
	a.Stores.Leaderboard = redis.NewLeaderboardCache(client)
	a.Stores.Profiles = redis.NewProfileCache(cache)
	a.Health.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
	a.Logger.Info("redis connection established")
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN & HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (a *App) buildDomain() error {
	catalog := achievement.DefaultCatalog()
	if path := a.Config.Gamification.CatalogPath; path != "" {
		c, err := achievement.LoadCatalog(path)
		if err != nil {
			return fmt.Errorf("load achievement catalog: %w", err)
		}
		catalog = c
	}
	a.Catalog = catalog
	a.Engine = achievement.NewEngine(catalog)

	rules := command.RulesFromConfig(a.Config.Gamification)
	a.Builder = progress.NewBuilder(rules.Curve, a.Engine)

	r := a.Config.Retention
	scorer, err := retention.NewScorer(retention.Config{
		Tau: map[retention.Difficulty]time.Duration{
			retention.DifficultyEasy:   r.HalfLifeEasy,
			retention.DifficultyMedium: r.HalfLifeMedium,
			retention.DifficultyHard:   r.HalfLifeHard,
		},
		Thresholds: r.Thresholds,
	})
	if err != nil {
		return fmt.Errorf("retention scorer: %w", err)
	}
	a.Scorer = scorer
	a.Logger.Info("domain configured",
		logger.Int("achievements", catalog.Len()),
		logger.Int64("level_curve_constant", rules.Curve.Constant),
	)
	return nil
}

func (a *App) buildHandlers() {
	cfg, st, log := a.Config, a.Stores, a.Logger
	rules := command.RulesFromConfig(cfg.Gamification)

	opts := []query.ProfileOption{
		query.WithProfileTTL(cfg.Redis.ProfileTTL),
		query.WithDefaultTimeZone(rules.DefaultTimeZone),
	}
	if st.Profiles != nil {
		opts = append(opts, query.WithProfileCache(st.Profiles))
	}
	a.Profile = query.NewGetProfileHandler(st.Ledger, st.Streaks, st.Unlocks, a.Builder, a.Clock, log, opts...)

	flow := saga.NewAchievementFlowSaga(st.Ledger, st.Streaks, st.Unlocks, a.Engine, a.Builder, a.Bus, a.Clock, log)
	deps := command.Deps{
		Ledger:       st.Ledger,
		Streaks:      st.Streaks,
		Unlocks:      st.Unlocks,
		Catalog:      a.Catalog,
		Achievements: flow,
		Publisher:    a.Bus,
		Profiles:     a.Profile,
		Flags:        cfg.Features,
		Locks:        command.NewUserLocks(),
		Clock:        a.Clock,
		Rules:        rules,
		Logger:       log,
	}
	a.AwardXP = command.NewAwardXPHandler(deps)
	a.UpdateStreak = command.NewUpdateStreakHandler(deps)
	a.RecordSubmission = command.NewRecordSubmissionHandler(st.History, a.Clock, log)

	breaker := circuitbreaker.LeaderboardCacheBreaker(func(name string, from, to circuitbreaker.State) {
		log.Warn("leaderboard cache breaker changed state",
			logger.String("breaker", name), logger.String("from", from.String()), logger.String("to", to.String()))
	})
	a.Leaderboard = query.NewGetLeaderboardHandler(st.Ledger, st.Leaderboard, breaker, cfg.Features, rules.Curve, a.Clock, log)
	a.Achievements = query.NewListAchievementsHandler(a.Engine, st.Unlocks)
	a.Retention = query.NewRetentionHandler(a.Scorer, st.History, st.Records, cfg.Features, a.Clock, log)
	a.Authority = syncer.NewLocalAuthority(a.AwardXP, a.UpdateStreak, a.Profile, a.Achievements, a.Leaderboard)
}

func (a *App) subscribe() error {
	if a.Stores.Leaderboard != nil {
		h := eventhandler.NewOnXPAwardedHandler(a.Stores.Leaderboard, a.Config.Features, a.Logger)
		if err := h.Register(a.Bus); err != nil {
			return fmt.Errorf("subscribe leaderboard projection: %w", err)
		}
	}
	if err := eventhandler.NewOnProgressChangedHandler(a.Profile, a.Logger).Register(a.Bus); err != nil {
		return fmt.Errorf("subscribe profile invalidation: %w", err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// NewScheduler registers the background jobs on their configured cron
// specs. A job with an empty spec is not scheduled.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	sc := a.Config.Scheduler
	s := scheduler.NewScheduler(scheduler.Config{
		JobTimeout:     sc.JobTimeout,
		MaxConcurrency: sc.MaxConcurrency,
	}, a.Logger)

	entries := []struct {
		job  scheduler.Job
		spec string
	}{
		{jobs.NewRebuildLeaderboardJob(a.Stores.Ledger, a.Stores.Leaderboard, a.Bus, a.Config.Features, a.Clock, a.Logger), sc.LeaderboardRebuildCron},
		{jobs.NewDetectAtRiskJob(a.Stores.Streaks, a.Bus, a.Config.Features, a.Clock, a.Logger), sc.StreakAtRiskCron},
		{jobs.NewRetentionSnapshotJob(a.Stores.History, a.Retention, a.Config.Features, a.Logger), sc.RetentionSnapshotCron},
	}
	for _, e := range entries {
		if e.spec == "" {
			a.Logger.Info("job not scheduled", logger.String("job", e.job.Name()))
			continue
		}
		if err := s.Register(e.job, e.spec); err != nil {
			return nil, fmt.Errorf("register %s: %w", e.job.Name(), err)
		}
	}
	return s, nil
}
