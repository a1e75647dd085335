// Command server runs the progress engine: the REST API and, unless
// SCHEDULER_ENABLED=false, the background jobs in the same process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/app"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	httpapi "github.com/alem-hub/progress-engine/internal/interface/http"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. Configuration & logging
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := app.NewLogger(cfg, "server")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting progress engine",
		logger.String("version", cfg.App.Version),
		logger.String("storage", cfg.Storage.Driver),
		logger.Int("port", cfg.App.HTTPPort),
	)

	shutdownTracing, err := app.InitTracing(ctx, cfg, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Application
	// ─────────────────────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = a.NewScheduler()
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. HTTP
	// ─────────────────────────────────────────────────────────────────────────
	httpCfg := httpapi.DefaultConfig()
	httpCfg.Port = cfg.App.HTTPPort
	httpCfg.Version = cfg.App.Version
	httpCfg.Debug = cfg.IsDevelopment()

	server := httpapi.NewServer(httpCfg, httpapi.Dependencies{
		Engine:        a.Authority,
		Leaderboard:   a.Leaderboard,
		Achievements:  a.Achievements,
		Retention:     a.Retention,
		Submissions:   a.RecordSubmission,
		HealthChecker: a.Health,
		Logger:        log,
	})
	serverErr := server.StartAsync()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", logger.Err(err))
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. Graceful shutdown
	// ─────────────────────────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		log.Warn("shutdown completed with errors", logger.Err(err))
		return err
	}
	log.Info("shutdown completed")
	return nil
}
