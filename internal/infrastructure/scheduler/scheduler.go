// Package scheduler runs the background jobs of the engine on gocron:
// leaderboard rebuilds, the streak at-risk sweep and retention snapshots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job defines the interface that all scheduled jobs must implement.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context carries the job timeout and is
	// cancelled when the scheduler stops.
	Run(ctx context.Context) error

	// Description returns a human-readable description of the job.
	Description() string
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string        `json:"job_name"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Manual      bool          `json:"manual,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Config tunes the scheduler.
type Config struct {
	// JobTimeout bounds every run (default 5m).
	JobTimeout time.Duration
	// MaxConcurrency caps jobs running at once (default 2).
	MaxConcurrency int
	// HistorySize is how many results GetHistory keeps (default 100).
	HistorySize int
	// Location for cron expressions (default UTC).
	Location *time.Location
}

type registeredJob struct {
	job       Job
	spec      string
	cron      *gocron.Job
	runCount  int64
	failCount int64
	last      *JobResult
}

// Scheduler wraps a gocron scheduler with per-run timeouts, logging and
// run history.
type Scheduler struct {
	cron   *gocron.Scheduler
	cfg    Config
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	jobs    map[string]*registeredJob
	history []JobResult
	running bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config, log *logger.Logger) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = logger.Nop()
	}

	cron := gocron.NewScheduler(cfg.Location)
	cron.SetMaxConcurrentJobs(cfg.MaxConcurrency, gocron.WaitMode)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron,
		cfg:    cfg,
		logger: log.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*registeredJob),
	}
}

// Register schedules job on a 5-field cron expression. A run that is still
// in progress when the next tick fires is not overlapped.
func (s *Scheduler) Register(job Job, spec string) error {
	if job == nil {
		return ErrNilJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	rj := &registeredJob{job: job, spec: spec}
	cj, err := s.cron.Cron(spec).Tag(name).SingletonMode().Do(func() {
		_, _ = s.execute(s.ctx, rj, false)
	})
	if err != nil {
		return fmt.Errorf("scheduler: register %s (%q): %w", name, spec, err)
	}
	rj.cron = cj
	s.jobs[name] = rj

	s.logger.Info("job registered",
		logger.String("job", name),
		logger.String("schedule", spec),
		logger.String("description", job.Description()),
	)
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.cron.StartAsync()
	s.logger.Info("scheduler started", logger.Int("jobs_count", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RunNow immediately executes a job by name, ignoring its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*JobResult, error) {
	s.mu.RLock()
	rj, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(ctx, rj, true)
}

func (s *Scheduler) execute(ctx context.Context, rj *registeredJob, manual bool) (*JobResult, error) {
	name := rj.job.Name()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	log := s.logger.With(logger.String("job", name), logger.Bool("manual", manual))
	log.Info("job started")

	started := time.Now()
	err := runSafely(ctx, rj.job)
	completed := time.Now()

	result := JobResult{
		JobName:     name,
		StartedAt:   started.UTC(),
		CompletedAt: completed.UTC(),
		Duration:    completed.Sub(started),
		Success:     err == nil,
		Manual:      manual,
	}
	if err != nil {
		result.Error = err.Error()
		log.Error("job failed", logger.Latency(result.Duration), logger.Err(err))
	} else {
		log.Info("job completed", logger.Latency(result.Duration))
	}

	s.mu.Lock()
	rj.runCount++
	if err != nil {
		rj.failCount++
	}
	rj.last = &result
	s.history = append(s.history, result)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
	s.mu.Unlock()

	return &result, err
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), p)
		}
	}()
	return job.Run(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo contains information about a registered job.
type JobInfo struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	NextRun     time.Time  `json:"next_run"`
	RunCount    int64      `json:"run_count"`
	FailCount   int64      `json:"fail_count"`
	LastResult  *JobResult `json:"last_result,omitempty"`
}

// ListJobs returns information about all registered jobs.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, rj := range s.jobs {
		info := JobInfo{
			Name:        name,
			Description: rj.job.Description(),
			Schedule:    rj.spec,
			RunCount:    rj.runCount,
			FailCount:   rj.failCount,
			LastResult:  rj.last,
		}
		if rj.cron != nil {
			info.NextRun = rj.cron.NextRun()
		}
		infos = append(infos, info)
	}
	return infos
}

// GetHistory returns up to limit recent results, oldest first.
func (s *Scheduler) GetHistory(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]JobResult, limit)
	copy(out, s.history[len(s.history)-limit:])
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNilJob is returned when trying to register a nil job.
	ErrNilJob = errors.New("job cannot be nil")

	// ErrJobAlreadyExists is returned when a job with the same name already exists.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrSchedulerAlreadyRunning is returned when Start is called on a running scheduler.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")

	// ErrSchedulerNotRunning is returned when Stop is called on a stopped scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)
