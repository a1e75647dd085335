package command

import (
	"context"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// RecordSubmissionCommand feeds the submission history read by the
// retention scorer.
type RecordSubmissionCommand struct {
	UserID      string
	Topic       string
	Difficulty  string
	Passed      bool
	SubmittedAt time.Time
}

// RecordSubmissionHandler handles RecordSubmissionCommand.
type RecordSubmissionHandler struct {
	history retention.SubmissionHistory
	clock   shared.Clock
	log     *logger.Logger
}

// NewRecordSubmissionHandler creates a new RecordSubmissionHandler.
func NewRecordSubmissionHandler(history retention.SubmissionHistory, clock shared.Clock, log *logger.Logger) *RecordSubmissionHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RecordSubmissionHandler{history: history, clock: clock, log: log.Named("record_submission")}
}

// Handle executes the command.
func (h *RecordSubmissionHandler) Handle(ctx context.Context, cmd RecordSubmissionCommand) error {
	userID, err := shared.NewUserID(cmd.UserID)
	if err != nil {
		return err
	}
	at := cmd.SubmittedAt
	now := h.clock.Now()
	if at.IsZero() || at.After(now) {
		at = now
	}

	sub := retention.Submission{
		UserID:      userID,
		Topic:       strings.TrimSpace(cmd.Topic),
		Difficulty:  retention.ParseDifficulty(cmd.Difficulty),
		Passed:      cmd.Passed,
		SubmittedAt: at.UTC(),
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	if err := h.history.Record(ctx, sub); err != nil {
		return storeErr("retention", "RecordSubmission", err)
	}

	h.log.Debug("submission recorded",
		logger.UserID(string(userID)),
		logger.String("topic", sub.Topic),
		logger.Bool("passed", sub.Passed),
	)
	return nil
}
