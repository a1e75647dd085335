// Package engine is the HTTP client for a remote progress engine. It
// implements the sync coordinator's Authority contract over the REST API
// served by internal/interface/http.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/application/syncer"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the engine client.
type ClientConfig struct {
	// BaseURL is the engine's root, e.g. "http://localhost:8080".
	BaseURL string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// RequestsPerSecond and Burst shape outgoing traffic. Zero disables
	// limiting.
	RequestsPerSecond float64
	Burst             int

	// UserAgent is sent on every request.
	UserAgent string
}

// DefaultClientConfig returns defaults for the given base URL.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 50,
		Burst:             20,
		UserAgent:         "progress-engine-client/1",
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client talks to a remote engine.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logger.Logger
}

var (
	_ syncer.Authority = (*Client)(nil)
	_ syncer.Reader    = (*Client)(nil)
)

// NewClient creates a client. httpClient may be nil.
func NewClient(config ClientConfig, httpClient *http.Client, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(config.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("engine: invalid base url %q", config.BaseURL)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig("").Timeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("engine_client")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	c := &Client{
		config:     config,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     log,
	}
	c.retrier = retry.EngineAPIRetrier(func(attempt int, err error, delay time.Duration) {
		log.Warn("retrying engine request",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Err(err),
		)
	})
	c.breaker = circuitbreaker.EngineAPIBreaker(func(name string, from, to circuitbreaker.State) {
		log.Warn("engine circuit state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	})
	return c, nil
}

// BreakerState reports the circuit state, for health checks.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTHORITY OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// AwardXP posts an award. The idempotency key travels both in the body and
// as the Idempotency-Key header, so retries replay instead of re-award.
func (c *Client) AwardXP(ctx context.Context, req syncer.AwardRequest) (*syncer.AwardResponse, error) {
	var out syncer.AwardResponse
	path := "/api/v1/users/" + url.PathEscape(req.UserID) + "/xp"
	hdr := http.Header{}
	if req.IdempotencyKey != "" {
		hdr.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if err := c.call(ctx, "AwardXP", http.MethodPost, path, hdr, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStreak posts an activity date.
func (c *Client) UpdateStreak(ctx context.Context, req syncer.StreakRequest) (*syncer.StreakResponse, error) {
	var out syncer.StreakResponse
	path := "/api/v1/users/" + url.PathEscape(req.UserID) + "/streak"
	if err := c.call(ctx, "UpdateStreak", http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProfile fetches the server profile.
func (c *Client) GetProfile(ctx context.Context, userID shared.UserID) (*progress.GamificationProfile, error) {
	var out progress.GamificationProfile
	path := "/api/v1/users/" + url.PathEscape(string(userID)) + "/profile"
	if err := c.call(ctx, "GetProfile", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAchievements fetches the catalog merged with the user's unlocks.
func (c *Client) ListAchievements(ctx context.Context, userID shared.UserID) ([]achievement.Status, error) {
	var out []achievement.Status
	path := "/api/v1/users/" + url.PathEscape(string(userID)) + "/achievements"
	if err := c.call(ctx, "ListAchievements", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLeaderboard fetches one ranked page. Empty timeframe and zero limit
// leave the server defaults in place.
func (c *Client) GetLeaderboard(ctx context.Context, timeframe string, limit int) (*query.GetLeaderboardResult, error) {
	var out query.GetLeaderboardResult
	q := url.Values{}
	if timeframe != "" {
		q.Set("timeframe", timeframe)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/leaderboard"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	if err := c.call(ctx, "GetLeaderboard", http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks that the engine answers /health.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine health: status %d", resp.StatusCode)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// envelope mirrors the server's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call runs one operation through the breaker and the retrier. Only
// transient failures count against the breaker; a rejected request says
// nothing about the engine's health.
func (c *Client) call(ctx context.Context, op, method, path string, hdr http.Header, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engine: marshal %s: %w", op, err)
		}
		payload = b
	}

	var final error
	rejected := c.breaker.ExecuteWithFallback(ctx, func(ctx context.Context) error {
		final = c.retrier.Do(ctx, func(ctx context.Context) error {
			err := c.once(ctx, op, method, path, hdr, payload, out)
			if shared.IsTransient(err) {
				return retry.Retryable(err)
			}
			return err
		})
		if shared.IsTransient(final) {
			return final
		}
		return nil
	}, func(err error) error {
		return shared.Transient("engine", op, err)
	})
	if final == nil && rejected != nil {
		return rejected
	}
	return final
}

// once performs a single attempt and maps every failure onto the shared
// error taxonomy.
func (c *Client) once(ctx context.Context, op, method, path string, hdr http.Header, payload []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return shared.Transient("engine", op, err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("engine: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return shared.Transient("engine", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return shared.Transient("engine", op, fmt.Errorf("read response: %w", err))
	}
	c.logger.Debug("engine request",
		logger.Operation(op),
		logger.String("method", method),
		logger.String("path", path),
		logger.Int("status", resp.StatusCode),
		logger.Latency(time.Since(start)),
	)

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 400 {
		code, msg := "", http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Error != nil {
			code, msg = env.Error.Code, env.Error.Message
		}
		return mapError(op, resp.StatusCode, code, msg, retryAfter(resp))
	}
	if decodeErr != nil {
		return shared.Invariant("engine", op, "malformed response: %v", decodeErr)
	}
	if !env.Success {
		return shared.Invariant("engine", op, "response not marked successful")
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return shared.Invariant("engine", op, "decode %s payload: %v", op, err)
		}
	}
	return nil
}

// mapError turns an error response back into the kind the server reported.
func mapError(op string, status int, code, msg string, wait time.Duration) error {
	switch code {
	case "validation_error":
		return shared.Validation("engine", op, "%s", msg)
	case "not_found":
		return shared.NotFound("engine", op, "%s", msg)
	case "conflict":
		return shared.Conflict("engine", op, "%s", msg)
	case "invariant_violation":
		return shared.Invariant("engine", op, "%s", msg)
	case "unavailable":
		return shared.Transient("engine", op, &StatusError{Status: status, Message: msg, RetryAfter: wait})
	}

	switch {
	case status == http.StatusTooManyRequests:
		return shared.Transient("engine", op, &StatusError{Status: status, Message: msg, RetryAfter: wait})
	case status >= 500:
		return shared.Transient("engine", op, &StatusError{Status: status, Message: msg})
	case status == http.StatusNotFound:
		return shared.NotFound("engine", op, "%s", msg)
	case status == http.StatusConflict:
		return shared.Conflict("engine", op, "%s", msg)
	default:
		return shared.Validation("engine", op, "%s", msg)
	}
}

// StatusError carries a non-2xx status the engine returned.
type StatusError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine status %d: %s", e.Status, e.Message)
}

// RetryDelay lets the retrier honour Retry-After.
func (e *StatusError) RetryDelay() time.Duration { return e.RetryAfter }

func retryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return 0
}
