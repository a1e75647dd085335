package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBMISSION HISTORY
// ══════════════════════════════════════════════════════════════════════════════

// SubmissionRepository implements retention.SubmissionHistory for PostgreSQL.
type SubmissionRepository struct {
	conn *Connection
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(conn *Connection) *SubmissionRepository {
	return &SubmissionRepository{conn: conn}
}

var _ retention.SubmissionHistory = (*SubmissionRepository)(nil)

// Record implements retention.SubmissionHistory.
func (r *SubmissionRepository) Record(ctx context.Context, s retention.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	_, err := r.conn.Pool().Exec(ctx, `
		INSERT INTO submissions (user_id, topic, difficulty, passed, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
	`, string(s.UserID), s.Topic, string(retention.ParseDifficulty(string(s.Difficulty))), s.Passed, s.SubmittedAt.UTC())
	return translate("RecordSubmission", err)
}

// topicSummary picks the difficulty of the latest attempt per topic.
const topicSummary = `
	SELECT DISTINCT ON (topic)
		topic, difficulty, submitted_at,
		COUNT(*) OVER (PARTITION BY topic) AS attempts
	FROM submissions
	WHERE user_id = $1`

// Topic implements retention.SubmissionHistory.
func (r *SubmissionRepository) Topic(ctx context.Context, userID shared.UserID, topic string) (retention.TopicHistory, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	row := r.conn.Pool().QueryRow(ctx, topicSummary+` AND topic = $2 ORDER BY topic, submitted_at DESC`,
		string(userID), topic)
	th, err := scanTopic(row)
	if err != nil {
		if IsNoRows(err) {
			return retention.TopicHistory{}, shared.NotFound("postgres", "Topic", "no history for topic %q", topic)
		}
		return retention.TopicHistory{}, translate("Topic", err)
	}
	return th, nil
}

// Topics implements retention.SubmissionHistory.
func (r *SubmissionRepository) Topics(ctx context.Context, userID shared.UserID) ([]retention.TopicHistory, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	rows, err := r.conn.Pool().Query(ctx, topicSummary+` ORDER BY topic, submitted_at DESC`, string(userID))
	if err != nil {
		return nil, translate("Topics", err)
	}
	defer rows.Close()

	out := []retention.TopicHistory{}
	for rows.Next() {
		th, err := scanTopic(rows)
		if err != nil {
			return nil, translate("Topics", err)
		}
		out = append(out, th)
	}
	return out, translate("Topics", rows.Err())
}

// Users implements retention.SubmissionHistory.
func (r *SubmissionRepository) Users(ctx context.Context) ([]shared.UserID, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	rows, err := r.conn.Pool().Query(ctx, `SELECT DISTINCT user_id FROM submissions ORDER BY user_id`)
	if err != nil {
		return nil, translate("Users", err)
	}
	defer rows.Close()

	var out []shared.UserID
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, translate("Users", err)
		}
		out = append(out, shared.UserID(u))
	}
	return out, translate("Users", rows.Err())
}

func scanTopic(row pgx.Row) (retention.TopicHistory, error) {
	var (
		th         retention.TopicHistory
		difficulty string
	)
	if err := row.Scan(&th.Topic, &difficulty, &th.LastPracticedAt, &th.Attempts); err != nil {
		return retention.TopicHistory{}, err
	}
	th.Difficulty = retention.ParseDifficulty(difficulty)
	th.LastPracticedAt = th.LastPracticedAt.UTC()
	return th, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RETENTION SNAPSHOTS
// ══════════════════════════════════════════════════════════════════════════════

// RetentionRecordRepository implements retention.RecordStore for PostgreSQL.
type RetentionRecordRepository struct {
	conn *Connection
}

// NewRetentionRecordRepository creates a new RetentionRecordRepository.
func NewRetentionRecordRepository(conn *Connection) *RetentionRecordRepository {
	return &RetentionRecordRepository{conn: conn}
}

var _ retention.RecordStore = (*RetentionRecordRepository)(nil)

// Save implements retention.RecordStore. Older snapshots never replace
// newer ones.
func (r *RetentionRecordRepository) Save(ctx context.Context, records ...retention.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
			INSERT INTO retention_records (
				user_id, topic, difficulty, last_practiced_at, retention_score,
				review_urgency, recommended_review_date, scored_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, topic) DO UPDATE SET
				difficulty = EXCLUDED.difficulty,
				last_practiced_at = EXCLUDED.last_practiced_at,
				retention_score = EXCLUDED.retention_score,
				review_urgency = EXCLUDED.review_urgency,
				recommended_review_date = EXCLUDED.recommended_review_date,
				scored_at = EXCLUDED.scored_at
			WHERE retention_records.scored_at <= EXCLUDED.scored_at
		`,
			string(rec.UserID),
			rec.Topic,
			string(rec.Difficulty),
			rec.LastPracticedAt.UTC(),
			rec.RetentionScore,
			string(rec.ReviewUrgency),
			rec.RecommendedReviewDate.UTC(),
			rec.ScoredAt.UTC(),
		)
	}
	return translate("SaveRetention", r.conn.Pool().SendBatch(ctx, batch).Close())
}

// Latest implements retention.RecordStore.
func (r *RetentionRecordRepository) Latest(ctx context.Context, userID shared.UserID) ([]retention.Record, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	rows, err := r.conn.Pool().Query(ctx, `
		SELECT user_id, topic, difficulty, last_practiced_at, retention_score,
		       review_urgency, recommended_review_date, scored_at
		FROM retention_records WHERE user_id = $1
		ORDER BY topic
	`, string(userID))
	if err != nil {
		return nil, translate("LatestRetention", err)
	}
	defer rows.Close()

	out := []retention.Record{}
	for rows.Next() {
		var (
			rec                      retention.Record
			user, difficulty, urgent string
		)
		if err := rows.Scan(&user, &rec.Topic, &difficulty, &rec.LastPracticedAt, &rec.RetentionScore,
			&urgent, &rec.RecommendedReviewDate, &rec.ScoredAt); err != nil {
			return nil, translate("LatestRetention", err)
		}
		rec.UserID = shared.UserID(user)
		rec.Difficulty = retention.Difficulty(difficulty)
		rec.ReviewUrgency = retention.Urgency(urgent)
		out = append(out, rec)
	}
	return out, translate("LatestRetention", rows.Err())
}
