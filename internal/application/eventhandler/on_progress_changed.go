package eventhandler

import (
	"context"
	"errors"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ProfileInvalidator drops cached profiles.
type ProfileInvalidator interface {
	Invalidate(ctx context.Context, userID shared.UserID) error
}

// OnProgressChangedHandler invalidates the cached profile of a user after
// any event that changes it, so the next read reflects the change.
type OnProgressChangedHandler struct {
	profiles ProfileInvalidator
	log      *logger.Logger
}

// NewOnProgressChangedHandler creates the handler.
func NewOnProgressChangedHandler(profiles ProfileInvalidator, log *logger.Logger) *OnProgressChangedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnProgressChangedHandler{profiles: profiles, log: log.Named("on_progress_changed")}
}

// Register subscribes the handler to every profile-changing event.
func (h *OnProgressChangedHandler) Register(bus shared.EventSubscriber) error {
	var errs []error
	for _, t := range []shared.EventType{
		shared.EventXPAwarded,
		shared.EventStreakUpdated,
		shared.EventAchievementUnlocked,
	} {
		errs = append(errs, bus.Subscribe(t, h.Handle))
	}
	return errors.Join(errs...)
}

// Handle implements shared.EventHandler.
func (h *OnProgressChangedHandler) Handle(ctx context.Context, event shared.Event) error {
	userID := shared.UserID(event.AggregateID())
	if !userID.IsValid() {
		return nil
	}
	if err := h.profiles.Invalidate(ctx, userID); err != nil {
		h.log.Warn("profile invalidation failed",
			logger.UserID(string(userID)),
			logger.String("event_type", string(event.EventType())),
			logger.Err(err),
		)
		return err
	}
	return nil
}
