// Package retry provides retry with exponential backoff and jitter for
// transport-level calls: engine API requests carrying an idempotency key,
// database bootstrap and cache writes. Domain mutations are never retried here.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// retryableError marks an error as worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err for retry. Do strips the mark before returning.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// DelayHinter is implemented by errors that know how long the remote side
// asked the caller to wait (an HTTP Retry-After, for instance).
type DelayHinter interface {
	RetryDelay() time.Duration
}

// Config holds retry configuration.
type Config struct {
	// MaxAttempts counts the first attempt. Default 3.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. Default 100ms.
	InitialDelay time.Duration
	// MaxDelay caps every wait, hinted ones included. Default 30s.
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt. Default 2.
	Multiplier float64
	// JitterFactor spreads each delay by ±factor. Default 0.1.
	JitterFactor float64
	// RetryIf overrides the classification. When nil only errors marked
	// with Retryable are retried.
	RetryIf func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the defaults documented on Config.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Option configures a Retrier.
type Option func(*Config)

func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitialDelay = d
		}
	}
}

func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxDelay = d
		}
	}
}

// WithJitter sets the jitter factor, 0 to 1.
func WithJitter(j float64) Option {
	return func(c *Config) {
		if j >= 0 && j <= 1 {
			c.JitterFactor = j
		}
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(c *Config) { c.RetryIf = fn }
}

func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}

// Retrier runs operations under one Config. It is safe for concurrent use.
type Retrier struct {
	config Config
}

// New builds a Retrier from DefaultConfig and opts.
func New(opts ...Option) *Retrier {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retrier{config: cfg}
}

// Do runs operation until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. The returned error never carries the
// Retryable mark. When ctx ends between attempts the last operation error
// is returned, not ctx.Err().
func (r *Retrier) Do(ctx context.Context, operation func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = unmark(err)

		if !r.shouldRetry(err) || attempt >= r.config.MaxAttempts {
			return lastErr
		}

		delay := r.delay(attempt, err)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastErr, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
}

func (r *Retrier) shouldRetry(err error) bool {
	if r.config.RetryIf != nil {
		return r.config.RetryIf(err)
	}
	return IsRetryable(err)
}

// delay is InitialDelay·Multiplier^(attempt-1) with jitter, raised to any
// hint the error carries and capped at MaxDelay.
func (r *Retrier) delay(attempt int, err error) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if r.config.JitterFactor > 0 {
		d += d * r.config.JitterFactor * (rand.Float64()*2 - 1)
	}

	var h DelayHinter
	if errors.As(err, &h) {
		if hint := float64(h.RetryDelay()); hint > d {
			d = hint
		}
	}

	if ceiling := float64(r.config.MaxDelay); d > ceiling {
		d = ceiling
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func unmark(err error) error {
	if r, ok := err.(*retryableError); ok {
		return r.err
	}
	return err
}

// Do is shorthand for New(opts...).Do(ctx, operation).
func Do(ctx context.Context, operation func(ctx context.Context) error, opts ...Option) error {
	return New(opts...).Do(ctx, operation)
}

// EngineAPIRetrier is used by the engine HTTP client. Requests it retries
// carry an idempotency key, so a replay cannot double-apply XP.
func EngineAPIRetrier(onRetry func(attempt int, err error, delay time.Duration)) *Retrier {
	return New(
		WithMaxAttempts(3),
		WithInitialDelay(200*time.Millisecond),
		WithMaxDelay(2*time.Second),
		WithJitter(0.2),
		WithOnRetry(onRetry),
	)
}

// DatabaseRetrier is used while establishing the Postgres pool.
func DatabaseRetrier() *Retrier {
	return New(
		WithMaxAttempts(5),
		WithInitialDelay(250*time.Millisecond),
		WithMaxDelay(5*time.Second),
		WithJitter(0.05),
		WithRetryIf(func(error) bool { return true }),
	)
}

// CacheRetrier is used for best-effort Redis writes.
func CacheRetrier() *Retrier {
	return New(
		WithMaxAttempts(2),
		WithInitialDelay(50*time.Millisecond),
		WithMaxDelay(200*time.Millisecond),
		WithRetryIf(func(error) bool { return true }),
	)
}
