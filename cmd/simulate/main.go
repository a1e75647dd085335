// Command simulate drives a running engine through the client-side sync
// coordinator: several users submit awards and streak ticks concurrently,
// then each optimistic local view is compared with the server profile.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/app"
	"github.com/alem-hub/progress-engine/internal/application/syncer"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/internal/infrastructure/external/engine"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

func main() {
	var (
		users  = flag.Int("users", 5, "number of simulated users")
		events = flag.Int("events", 20, "awards per user")
		url    = flag.String("url", "", "engine base URL (default ENGINE_URL)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *users, *events, *url); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, users, events int, baseURL string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := app.NewLogger(cfg, "simulate")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if baseURL == "" {
		baseURL = cfg.App.EngineURL
	}
	client, err := engine.NewClient(engine.DefaultClientConfig(baseURL), nil, log)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("engine at %s is not reachable: %w", baseURL, err)
	}

	models, err := syncer.NewReadModels(cfg.Sync.ReadModelCapacity, nil)
	if err != nil {
		return err
	}
	coord := syncer.NewCoordinator(client, models, syncer.Config{
		RequestTimeout:  cfg.Sync.RequestTimeout,
		IdleTimeout:     cfg.Sync.ActorIdleTimeout,
		Curve:           ledger.LevelCurve{Constant: cfg.Gamification.LevelCurveConstant},
		Streak:          streak.MultiplierPolicy{Step: ledger.Multiplier(cfg.Gamification.StreakStep), Max: ledger.Multiplier(cfg.Gamification.StreakMaxMultiplier)},
		WeekendFactor:   ledger.Multiplier(cfg.Gamification.WeekendFactor),
		DefaultTimeZone: cfg.Gamification.DefaultTimeZone,
	}, nil, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.RequestTimeout)
		defer cancel()
		_ = coord.Close(closeCtx)
	}()

	runID := uuid.NewString()[:8]
	start := time.Now()
	log.Info("simulation started",
		logger.String("run", runID),
		logger.Int("users", users),
		logger.Int("events", events),
		logger.String("engine", baseURL),
	)

	g, gctx := errgroup.WithContext(ctx)
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("sim-%s-%02d", runID, u)
		g.Go(func() error { return simulateUser(gctx, coord, userID, events) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	mismatches := 0
	for u := 0; u < users; u++ {
		userID := shared.UserID(fmt.Sprintf("sim-%s-%02d", runID, u))
		view := coord.View(userID)
		server, err := client.GetProfile(ctx, userID)
		if err != nil {
			return fmt.Errorf("fetch profile %s: %w", userID, err)
		}
		failed := 0
		for _, op := range view.Recent {
			if op.Status == syncer.StatusFailed {
				failed++
			}
		}
		match := view.Profile.TotalXP == server.TotalXP && view.Profile.Level == server.Level
		if !match {
			mismatches++
		}
		unlocked := 0
		list, err := coord.Achievements(ctx, userID)
		if err != nil {
			log.Warn("achievements unavailable", logger.UserID(string(userID)), logger.Err(err))
		}
		for _, a := range list {
			if a.Unlocked() {
				unlocked++
			}
		}
		log.Info("user reconciled",
			logger.UserID(string(userID)),
			logger.Int64("local_xp", view.Profile.TotalXP),
			logger.Int64("server_xp", server.TotalXP),
			logger.Int("level", server.Level),
			logger.Int("streak", server.Streak.CurrentStreak),
			logger.Int("badges", len(server.BadgeIDs)),
			logger.Int("achievements", unlocked),
			logger.Int("failed_ops", failed),
			logger.Bool("match", match),
		)
	}

	if users > 0 {
		board, err := coord.Leaderboard(ctx, shared.UserID(fmt.Sprintf("sim-%s-00", runID)))
		if err != nil {
			log.Warn("leaderboard unavailable", logger.Err(err))
		} else if len(board.Entries) > 0 {
			top := board.Entries[0]
			log.Info("leaderboard",
				logger.String("timeframe", string(board.Timeframe)),
				logger.Int("entries", len(board.Entries)),
				logger.UserID(string(top.UserID)),
				logger.Int64("top_xp", top.TotalXP),
			)
		}
	}

	log.Info("simulation finished",
		logger.Duration("elapsed", time.Since(start)),
		logger.Int("mismatches", mismatches),
		logger.String("breaker", client.BreakerState().String()),
	)
	if mismatches > 0 {
		return fmt.Errorf("%d user(s) diverged from the server", mismatches)
	}
	return nil
}

// simulateUser submits a streak tick for today and a burst of awards, then
// waits for every operation to settle. Transient failures are rolled back
// by the coordinator and tolerated; any other rejection fails the run.
func simulateUser(ctx context.Context, coord *syncer.Coordinator, userID string, events int) error {
	futures := make([]*syncer.Future, 0, events+1)

	f, err := coord.UpdateStreak(ctx, syncer.StreakRequest{
		UserID:       userID,
		ActivityDate: timeutil.DateOf(time.Now(), nil).String(),
	})
	if err != nil {
		return err
	}
	futures = append(futures, f)

	for i := 0; i < events; i++ {
		f, err := coord.AwardXP(ctx, syncer.AwardRequest{
			UserID:         userID,
			EventType:      string(ledger.PublicEventTypes[rand.IntN(len(ledger.PublicEventTypes))]),
			BaseAmount:     int64(10 + rand.IntN(41)),
			Source:         string(ledger.SourceAutoAward),
			IdempotencyKey: fmt.Sprintf("%s-%d", userID, i),
		})
		if err != nil {
			return err
		}
		futures = append(futures, f)
	}

	var rejected error
	for _, f := range futures {
		_, err := f.Wait(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case shared.IsTransient(err):
		default:
			rejected = errors.Join(rejected, fmt.Errorf("%s: %w", userID, err))
		}
	}
	return rejected
}
