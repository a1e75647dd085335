package query

import (
	"context"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RETENTION QUERIES
// Score one topic, or every practiced topic as a review queue. Scoring is
// pure; snapshots are persisted only when retention.persist_snapshots is on.
// ══════════════════════════════════════════════════════════════════════════════

// ScoreRetentionQuery scores one (user, topic).
type ScoreRetentionQuery struct {
	UserID string
	Topic  string
	// Difficulty is used only when the topic has no history.
	Difficulty string
	// LastPracticedAt is read from submission history when nil.
	LastPracticedAt *time.Time
}

// GetReviewQueueQuery lists the user's topics, weakest first.
type GetReviewQueueQuery struct {
	UserID string
	// Limit <= 0 returns every topic.
	Limit int
}

// RetentionHandler serves both retention queries.
type RetentionHandler struct {
	scorer  *retention.Scorer
	history retention.SubmissionHistory
	records retention.RecordStore
	flags   *config.FeatureFlags
	clock   shared.Clock
	log     *logger.Logger
}

// NewRetentionHandler creates the handler. records may be nil.
func NewRetentionHandler(
	scorer *retention.Scorer,
	history retention.SubmissionHistory,
	records retention.RecordStore,
	flags *config.FeatureFlags,
	clock shared.Clock,
	log *logger.Logger,
) *RetentionHandler {
	if clock == nil {
		clock = shared.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RetentionHandler{
		scorer:  scorer,
		history: history,
		records: records,
		flags:   flags,
		clock:   clock,
		log:     log.Named("retention"),
	}
}

// Score executes ScoreRetentionQuery.
func (h *RetentionHandler) Score(ctx context.Context, q ScoreRetentionQuery) (*retention.Record, error) {
	userID, err := shared.NewUserID(q.UserID)
	if err != nil {
		return nil, err
	}
	topic := strings.TrimSpace(q.Topic)
	if topic == "" {
		return nil, shared.Validation("retention", "ScoreRetention", "topic is required")
	}

	in := retention.Input{
		UserID:     userID,
		Topic:      topic,
		Difficulty: retention.ParseDifficulty(q.Difficulty),
		Now:        h.clock.Now(),
	}

	hist, err := h.history.Topic(ctx, userID, topic)
	switch {
	case err == nil:
		in.Difficulty = hist.Difficulty
		in.LastPracticedAt = hist.LastPracticedAt
	case shared.IsNotFound(err):
		if q.LastPracticedAt == nil {
			return nil, err
		}
	default:
		return nil, shared.Transient("retention", "ScoreRetention", err)
	}
	if q.LastPracticedAt != nil {
		in.LastPracticedAt = *q.LastPracticedAt
	}

	rec, err := h.scorer.Score(in)
	if err != nil {
		return nil, err
	}
	h.persist(ctx, userID, rec)
	return &rec, nil
}

// ReviewQueue executes GetReviewQueueQuery.
func (h *RetentionHandler) ReviewQueue(ctx context.Context, q GetReviewQueueQuery) ([]retention.Record, error) {
	userID, err := shared.NewUserID(q.UserID)
	if err != nil {
		return nil, err
	}
	records, err := h.ScoreAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return retention.Queue(records, q.Limit), nil
}

// ScoreAll scores every topic the user practiced, in history order.
func (h *RetentionHandler) ScoreAll(ctx context.Context, userID shared.UserID) ([]retention.Record, error) {
	topics, err := h.history.Topics(ctx, userID)
	if err != nil {
		return nil, shared.Transient("retention", "ReviewQueue", err)
	}

	now := h.clock.Now()
	records := make([]retention.Record, 0, len(topics))
	for _, t := range topics {
		rec, err := h.scorer.Score(retention.Input{
			UserID:          userID,
			Topic:           t.Topic,
			Difficulty:      t.Difficulty,
			LastPracticedAt: t.LastPracticedAt,
			Now:             now,
		})
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	h.persist(ctx, userID, records...)
	return records, nil
}

func (h *RetentionHandler) persist(ctx context.Context, userID shared.UserID, records ...retention.Record) {
	if h.records == nil || len(records) == 0 || !h.flags.IsEnabled(config.FeaturePersistRetention, string(userID)) {
		return
	}
	if err := h.records.Save(ctx, records...); err != nil {
		h.log.Warn("failed to persist retention snapshot",
			logger.UserID(string(userID)),
			logger.Int("records", len(records)),
			logger.Err(err),
		)
	}
}
