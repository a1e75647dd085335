package retention

import (
	"context"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// Submission is one graded attempt on a topic.
type Submission struct {
	UserID      shared.UserID
	Topic       string
	Difficulty  Difficulty
	Passed      bool
	SubmittedAt time.Time
}

// Validate checks a submission before it is recorded.
func (s Submission) Validate() error {
	if !s.UserID.IsValid() {
		return shared.Validation(domainName, "RecordSubmission", "invalid user_id %q", s.UserID)
	}
	if strings.TrimSpace(s.Topic) == "" {
		return shared.Validation(domainName, "RecordSubmission", "topic is required")
	}
	if s.SubmittedAt.IsZero() {
		return shared.Validation(domainName, "RecordSubmission", "submitted_at is required")
	}
	return nil
}

// TopicHistory summarizes a user's submissions on one topic.
type TopicHistory struct {
	Topic           string
	Difficulty      Difficulty
	LastPracticedAt time.Time
	Attempts        int
}

// SubmissionHistory reads (and for this service, records) submissions.
type SubmissionHistory interface {
	// Record stores a submission.
	Record(ctx context.Context, s Submission) error

	// Topic returns the summary for one topic or ErrNotFound.
	Topic(ctx context.Context, userID shared.UserID, topic string) (TopicHistory, error)

	// Topics returns summaries for every topic the user practiced.
	Topics(ctx context.Context, userID shared.UserID) ([]TopicHistory, error)

	// Users lists users with any history, for the snapshot sweep.
	Users(ctx context.Context) ([]shared.UserID, error)
}

// RecordStore keeps scored snapshots when snapshot persistence is enabled.
type RecordStore interface {
	Save(ctx context.Context, records ...Record) error

	// Latest returns the most recent snapshot per topic.
	Latest(ctx context.Context, userID shared.UserID) ([]Record, error)
}
