package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcJob struct {
	name  string
	calls atomic.Int32
	run   func(ctx context.Context) error
}

func (j *funcJob) Name() string        { return j.name }
func (j *funcJob) Description() string { return "test job " + j.name }
func (j *funcJob) Run(ctx context.Context) error {
	j.calls.Add(1)
	if j.run == nil {
		return nil
	}
	return j.run(ctx)
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(Config{JobTimeout: time.Second, HistorySize: 3}, nil)
	t.Cleanup(func() {
		if s.IsRunning() {
			_ = s.Stop()
		}
	})
	return s
}

func TestRegisterRejectsDuplicatesAndBadSpecs(t *testing.T) {
	s := newTestScheduler(t)

	assert.ErrorIs(t, s.Register(nil, "* * * * *"), ErrNilJob)
	require.NoError(t, s.Register(&funcJob{name: "a"}, "*/5 * * * *"))
	assert.ErrorIs(t, s.Register(&funcJob{name: "a"}, "*/5 * * * *"), ErrJobAlreadyExists)
	assert.Error(t, s.Register(&funcJob{name: "b"}, "not a cron"))

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "*/5 * * * *", jobs[0].Schedule)
}

func TestRunNowRecordsHistory(t *testing.T) {
	s := newTestScheduler(t)
	ok := &funcJob{name: "ok"}
	bad := &funcJob{name: "bad", run: func(context.Context) error { return errors.New("boom") }}
	require.NoError(t, s.Register(ok, "0 3 * * *"))
	require.NoError(t, s.Register(bad, "0 4 * * *"))

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Manual)

	res, err = s.RunNow(context.Background(), "bad")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	history := s.GetHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, "ok", history[0].JobName)
	assert.Equal(t, "bad", history[1].JobName)

	for _, info := range s.ListJobs() {
		assert.EqualValues(t, 1, info.RunCount)
		if info.Name == "bad" {
			assert.EqualValues(t, 1, info.FailCount)
		}
	}
}

func TestHistoryIsBounded(t *testing.T) {
	s := newTestScheduler(t)
	job := &funcJob{name: "j"}
	require.NoError(t, s.Register(job, "0 3 * * *"))

	for i := 0; i < 5; i++ {
		_, err := s.RunNow(context.Background(), "j")
		require.NoError(t, err)
	}
	assert.Len(t, s.GetHistory(0), 3)
	assert.Len(t, s.GetHistory(2), 2)
	assert.EqualValues(t, 5, job.calls.Load())
}

func TestPanickingJobIsReportedAsFailure(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Register(&funcJob{name: "p", run: func(context.Context) error { panic("oops") }}, "0 3 * * *"))

	res, err := s.RunNow(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, res.Error, "panicked")
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	s := NewScheduler(Config{JobTimeout: 20 * time.Millisecond}, nil)
	slow := &funcJob{name: "slow", run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	require.NoError(t, s.Register(slow, "0 3 * * *"))

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Register(&funcJob{name: "j"}, "0 3 * * *"))

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(), ErrSchedulerAlreadyRunning)
	assert.False(t, s.ListJobs()[0].NextRun.IsZero())

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}
