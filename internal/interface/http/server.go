// Package http exposes the progress engine over a JSON REST API on gin.
// It is a thin adapter: every route maps onto one command or query handler
// and domain errors map onto status codes.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/application/syncer"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// AllowedOrigins for CORS; empty or "*" allows any.
	AllowedOrigins []string

	// Version is reported by / and the health endpoints.
	Version string

	// Debug switches gin to debug mode.
	Debug bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		MaxBodyBytes:   64 << 10,
		AllowedOrigins: []string{"*"},
		Version:        "v1",
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies contains all dependencies required by HTTP handlers.
type Dependencies struct {
	// Mutations and the profile, in the same wire shapes the engine client
	// decodes.
	Engine *syncer.LocalAuthority

	// Query Handlers (CQRS Read Side)
	Leaderboard  *query.GetLeaderboardHandler
	Achievements *query.ListAchievementsHandler
	Retention    *query.RetentionHandler

	Submissions *command.RecordSubmissionHandler

	HealthChecker handlers.HealthChecker

	Logger *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.HealthChecker == nil {
		deps.HealthChecker = handlers.NewCompositeHealthChecker(config.Version)
	}
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: config,
		deps:   deps,
		engine: gin.New(),
		logger: deps.Logger.Named("http"),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupMiddleware() {
	s.engine.Use(
		handlers.Recovery(s.logger),
		handlers.RequestID(s.deps.Logger),
		handlers.RequestLogger(s.logger),
		handlers.CORS(s.config.AllowedOrigins),
		handlers.SecurityHeaders(),
	)
	if s.config.MaxBodyBytes > 0 {
		s.engine.Use(handlers.BodyLimit(s.config.MaxBodyBytes))
	}
	s.engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// ─────────────────────────────────────────────────────────────────────────
	// Health & Status Endpoints
	// ─────────────────────────────────────────────────────────────────────────
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", handlers.Health(s.deps.HealthChecker))
	s.engine.GET("/ready", handlers.Ready(s.deps.HealthChecker))

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	v1 := s.engine.Group("/api/v1")
	v1.GET("/leaderboard", s.handleGetLeaderboard)

	users := v1.Group("/users/:user_id")
	users.POST("/xp", s.handleAwardXP)
	users.POST("/streak", s.handleUpdateStreak)
	users.GET("/profile", s.handleGetProfile)
	users.GET("/achievements", s.handleListAchievements)
	users.POST("/retention", s.handleScoreRetention)
	users.GET("/review-queue", s.handleGetReviewQueue)
	users.POST("/submissions", s.handleRecordSubmission)
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Count     int       `json:"count,omitempty"`
}

func writeJSON(c *gin.Context, status int, data any) {
	writeJSONWithMeta(c, status, data, nil)
}

func writeJSONWithMeta(c *gin.Context, status int, data any, meta *ResponseMeta) {
	if meta == nil {
		meta = &ResponseMeta{}
	}
	meta.Timestamp = time.Now().UTC()
	meta.Version = "v1"
	c.JSON(status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      meta,
		RequestID: handlers.GetRequestID(c),
	})
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, JSONResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC()},
		RequestID: handlers.GetRequestID(c),
	})
}

// Error codes on the wire. The engine client maps them back to error kinds.
const (
	CodeValidation = "validation_error"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeTransient  = "unavailable"
	CodeInvariant  = "invariant_violation"
	CodeInternal   = "internal_error"
)

// statusFor maps the domain error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case shared.IsValidation(err):
		return http.StatusBadRequest, CodeValidation
	case shared.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case shared.IsConflict(err):
		return http.StatusConflict, CodeConflict
	case shared.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeTransient
	case shared.IsInvariantViolation(err):
		return http.StatusInternalServerError, CodeInvariant
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	log := logger.FromContext(c.Request.Context())
	if status >= 500 {
		log.Error("request failed", logger.String("code", code), logger.Err(err))
	} else {
		log.Debug("request rejected", logger.String("code", code), logger.Err(err))
	}
	msg := err.Error()
	if code == CodeInternal {
		msg = "an unexpected error occurred"
	}
	if code == CodeTransient {
		c.Header("Retry-After", "1")
	}
	writeError(c, status, code, msg)
}
