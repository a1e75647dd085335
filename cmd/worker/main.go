// Command worker runs only the scheduled jobs: the leaderboard rebuild,
// the at-risk streak sweep and the retention snapshot. Run it alongside
// servers started with SCHEDULER_ENABLED=false.
//
// With -once it runs every job a single time and exits, which suits an
// external cron.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/app"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run every job once and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *once); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := app.NewLogger(cfg, "worker")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	shutdownTracing, err := app.InitTracing(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.NewScheduler()
	if err != nil {
		return err
	}

	if once {
		failed := 0
		// The scheduler logs each outcome.
		for _, job := range sched.ListJobs() {
			if _, err := sched.RunNow(ctx, job.Name); err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d job(s) failed", failed)
		}
		return nil
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	for _, job := range sched.ListJobs() {
		log.Info("job scheduled",
			logger.String("job", job.Name),
			logger.String("schedule", job.Schedule),
			logger.Time("next_run", job.NextRun),
		)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	return sched.Stop()
}
