package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(extra ...Option) []Option {
	return append([]Option{WithInitialDelay(time.Millisecond), WithMaxDelay(5 * time.Millisecond), WithJitter(0)}, extra...)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	}, fast(WithMaxAttempts(3))...)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoDoesNotRetryUnmarkedErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("bad request")
	}, fast(WithMaxAttempts(3))...)

	assert.EqualError(t, err, "bad request")
	assert.Equal(t, 1, attempts)
}

func TestDoReturnsUnmarkedErrorWhenAttemptsRunOut(t *testing.T) {
	sentinel := errors.New("still down")
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return Retryable(sentinel)
	}, fast(WithMaxAttempts(2))...)

	assert.Same(t, sentinel, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 2, attempts)
}

func TestRetryIfOverridesClassification(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("plain")
	}, fast(WithMaxAttempts(4), WithRetryIf(func(error) bool { return true }))...)

	assert.Error(t, err)
	assert.Equal(t, 4, attempts)
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sentinel := errors.New("down")
	attempts := 0
	err := New(WithMaxAttempts(10), WithInitialDelay(time.Hour)).Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return Retryable(sentinel)
	})

	assert.Same(t, sentinel, err)
	assert.Equal(t, 1, attempts)
}

func TestDoWithCancelledContextNeverRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Do(ctx, func(context.Context) error { called = true; return nil })

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestOnRetryCallback(t *testing.T) {
	var seen []int
	_ = Do(context.Background(), func(context.Context) error {
		return Retryable(errors.New("x"))
	}, fast(
		WithMaxAttempts(3),
		WithOnRetry(func(attempt int, err error, _ time.Duration) {
			assert.False(t, IsRetryable(err))
			seen = append(seen, attempt)
		}),
	)...)
	assert.Equal(t, []int{1, 2}, seen)
}

type hinted struct{ wait time.Duration }

func (h hinted) Error() string             { return "slow down" }
func (h hinted) RetryDelay() time.Duration { return h.wait }

func TestDelay(t *testing.T) {
	r := New(WithInitialDelay(100*time.Millisecond), WithMaxDelay(time.Second), WithJitter(0))
	plain := errors.New("x")

	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{"first retry", 1, plain, 100 * time.Millisecond},
		{"doubles", 3, plain, 400 * time.Millisecond},
		{"capped", 10, plain, time.Second},
		{"hint raises delay", 1, hinted{wait: 500 * time.Millisecond}, 500 * time.Millisecond},
		{"hint below backoff ignored", 3, hinted{wait: 10 * time.Millisecond}, 400 * time.Millisecond},
		{"hint capped", 1, Retryable(hinted{wait: time.Minute}), time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.delay(tt.attempt, tt.err))
		})
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	r := New(WithInitialDelay(100*time.Millisecond), WithJitter(0.5))
	for i := 0; i < 50; i++ {
		d := r.delay(1, errors.New("x"))
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
