// Package messaging implements the in-process event bus that carries domain
// events from command handlers to read-model maintainers.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus is an in-memory shared.EventBus.
// Handlers run on a bounded worker pool in async mode, inline otherwise.
type InMemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[shared.EventType][]shared.EventHandler
	allHandlers []shared.EventHandler
	middlewares []Middleware
	asyncMode   bool
	workerPool  chan struct{}
	log         *logger.Logger
	metrics     *EventBusMetrics
	closed      bool
	closeCh     chan struct{}
	wg          sync.WaitGroup
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode enables asynchronous event processing.
	AsyncMode bool

	// WorkerPoolSize is the number of concurrent handler executions.
	WorkerPoolSize int

	// HandlerTimeout bounds a single handler execution. Zero disables it.
	HandlerTimeout time.Duration

	Logger        *logger.Logger
	EnableMetrics bool
}

// DefaultInMemoryEventBusConfig returns sensible defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
		HandlerTimeout: 5 * time.Second,
		EnableMetrics:  true,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus with recovery,
// logging and (optionally) timeout middleware installed.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}

	bus := &InMemoryEventBus{
		handlers:   make(map[shared.EventType][]shared.EventHandler),
		asyncMode:  config.AsyncMode,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		log:        config.Logger.Named("eventbus"),
		closeCh:    make(chan struct{}),
	}
	if config.EnableMetrics {
		bus.metrics = NewEventBusMetrics()
	}

	bus.middlewares = append(bus.middlewares, RecoveryMiddleware(bus.log), LoggingMiddleware(bus.log))
	if config.HandlerTimeout > 0 {
		bus.middlewares = append(bus.middlewares, TimeoutMiddleware(config.HandlerTimeout))
	}
	return bus
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)

// Use appends middleware. It applies to handlers subscribed afterwards.
func (b *InMemoryEventBus) Use(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, m)
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.handlers[eventType] = append(b.handlers[eventType], b.wrap(handler))
	b.log.Debug("subscribed handler", logger.String("event_type", string(eventType)))
	return nil
}

// SubscribeAll registers a handler for all events.
func (b *InMemoryEventBus) SubscribeAll(handler shared.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}

	b.allHandlers = append(b.allHandlers, b.wrap(handler))
	return nil
}

func (b *InMemoryEventBus) wrap(h shared.EventHandler) shared.EventHandler {
	for i := len(b.middlewares) - 1; i >= 0; i-- {
		h = b.middlewares[i](h)
	}
	return h
}

// Publish delivers events to subscribed handlers. In async mode handlers
// run detached from ctx cancellation, so a finished HTTP request does not
// abort read-model maintenance.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.Event) error {
	for _, event := range events {
		if event == nil {
			return errors.New("event cannot be nil")
		}
		if err := b.publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *InMemoryEventBus) publish(ctx context.Context, event shared.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := make([]shared.EventHandler, 0, len(b.handlers[event.EventType()])+len(b.allHandlers))
	handlers = append(handlers, b.handlers[event.EventType()]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.RecordPublish(event.EventType())
	}
	if len(handlers) == 0 {
		return nil
	}

	if b.asyncMode {
		detached := context.WithoutCancel(ctx)
		for _, handler := range handlers {
			b.executeAsync(detached, event, handler)
		}
		return nil
	}

	var errs []error
	for _, handler := range handlers {
		if err := b.execute(ctx, event, handler); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *InMemoryEventBus) executeAsync(ctx context.Context, event shared.Event, handler shared.EventHandler) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		select {
		case b.workerPool <- struct{}{}:
			defer func() { <-b.workerPool }()
		case <-b.closeCh:
			return
		}

		_ = b.execute(ctx, event, handler)
	}()
}

func (b *InMemoryEventBus) execute(ctx context.Context, event shared.Event, handler shared.EventHandler) error {
	start := time.Now()
	err := handler(ctx, event)
	if b.metrics != nil {
		b.metrics.RecordHandlerExecution(event.EventType(), time.Since(start), err == nil)
	}
	return err
}

// Drain waits until every in-flight async handler returned.
func (b *InMemoryEventBus) Drain() {
	b.wg.Wait()
}

// Close stops accepting events and waits for in-flight handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	close(b.closeCh)

	b.log.Info("event bus closed")
	return nil
}

// Metrics returns the current metrics, or nil if disabled.
func (b *InMemoryEventBus) Metrics() *EventBusMetrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// RecoveryMiddleware turns handler panics into ErrHandlerPanic.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panicked",
						logger.String("event_type", string(event.EventType())),
						logger.Any("panic", r),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, event)
		}
	}
}

// LoggingMiddleware logs failed handler executions.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			start := time.Now()
			err := next(ctx, event)
			if err != nil {
				log.Error("event handler failed",
					logger.String("event_type", string(event.EventType())),
					logger.UserID(event.AggregateID()),
					logger.Latency(time.Since(start)),
					logger.Err(err),
				)
			}
			return err
		}
	}
}

// TimeoutMiddleware bounds handler execution time.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(ctx context.Context, event shared.Event) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, event)
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// EventBusMetrics tracks event bus counters.
type EventBusMetrics struct {
	mu sync.RWMutex

	PublishedTotal       map[shared.EventType]int64
	HandlerExecutions    int64
	HandlerSuccesses     int64
	HandlerFailures      int64
	HandlerTotalDuration time.Duration
}

// NewEventBusMetrics creates a new metrics tracker.
func NewEventBusMetrics() *EventBusMetrics {
	return &EventBusMetrics{PublishedTotal: make(map[shared.EventType]int64)}
}

// RecordPublish records a publish.
func (m *EventBusMetrics) RecordPublish(eventType shared.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishedTotal[eventType]++
}

// RecordHandlerExecution records a handler execution.
func (m *EventBusMetrics) RecordHandlerExecution(_ shared.EventType, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HandlerExecutions++
	m.HandlerTotalDuration += duration
	if success {
		m.HandlerSuccesses++
	} else {
		m.HandlerFailures++
	}
}

// Published returns how many events of a type were published.
func (m *EventBusMetrics) Published(eventType shared.EventType) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PublishedTotal[eventType]
}

// Snapshot returns a copy of current metrics.
func (m *EventBusMetrics) Snapshot() EventBusMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, v := range m.PublishedTotal {
		total += v
	}
	avg := time.Duration(0)
	rate := 1.0
	if m.HandlerExecutions > 0 {
		avg = m.HandlerTotalDuration / time.Duration(m.HandlerExecutions)
		rate = float64(m.HandlerSuccesses) / float64(m.HandlerExecutions)
	}
	return EventBusMetricsSnapshot{
		TotalPublished:         total,
		TotalHandlerExecs:      m.HandlerExecutions,
		HandlerFailures:        m.HandlerFailures,
		HandlerSuccessRate:     rate,
		AverageHandlerDuration: avg,
	}
}

// EventBusMetricsSnapshot is a point-in-time snapshot of metrics.
type EventBusMetricsSnapshot struct {
	TotalPublished         int64         `json:"total_published"`
	TotalHandlerExecs      int64         `json:"total_handler_execs"`
	HandlerFailures        int64         `json:"handler_failures"`
	HandlerSuccessRate     float64       `json:"handler_success_rate"`
	AverageHandlerDuration time.Duration `json:"average_handler_duration"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic is returned when a handler panics.
	ErrHandlerPanic = errors.New("handler panicked")
)
