package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/application/syncer"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST BODIES
// ══════════════════════════════════════════════════════════════════════════════

type awardXPBody struct {
	EventType      string `json:"event_type"`
	BaseAmount     int64  `json:"base_amount"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotency_key"`
}

type updateStreakBody struct {
	ActivityDate string `json:"activity_date"`
	TimeZone     string `json:"time_zone"`
}

type scoreRetentionBody struct {
	Topic           string     `json:"topic"`
	Difficulty      string     `json:"difficulty"`
	LastPracticedAt *time.Time `json:"last_practiced_at"`
}

type submissionBody struct {
	Topic       string    `json:"topic"`
	Difficulty  string    `json:"difficulty"`
	Passed      bool      `json:"passed"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// bind decodes the JSON body; a malformed body is a validation error.
func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func intQuery(c *gin.Context, key string) (int, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(c, http.StatusBadRequest, CodeValidation, key+" must be an integer")
		return 0, false
	}
	return n, true
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleRoot(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{
		"name":    "progress-engine",
		"version": s.config.Version,
		"uptime":  s.Uptime().Round(time.Second).String(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// MUTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// handleAwardXP handles POST /api/v1/users/:user_id/xp. The idempotency key
// may also come from the Idempotency-Key header.
func (s *Server) handleAwardXP(c *gin.Context) {
	var body awardXPBody
	if !s.bind(c, &body) {
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := s.deps.Engine.AwardXP(c.Request.Context(), syncer.AwardRequest{
		UserID:         c.Param("user_id"),
		EventType:      body.EventType,
		BaseAmount:     body.BaseAmount,
		Source:         body.Source,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleUpdateStreak handles POST /api/v1/users/:user_id/streak.
func (s *Server) handleUpdateStreak(c *gin.Context) {
	var body updateStreakBody
	if !s.bind(c, &body) {
		return
	}

	res, err := s.deps.Engine.UpdateStreak(c.Request.Context(), syncer.StreakRequest{
		UserID:       c.Param("user_id"),
		ActivityDate: body.ActivityDate,
		TimeZone:     body.TimeZone,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// handleRecordSubmission handles POST /api/v1/users/:user_id/submissions.
func (s *Server) handleRecordSubmission(c *gin.Context) {
	var body submissionBody
	if !s.bind(c, &body) {
		return
	}

	err := s.deps.Submissions.Handle(c.Request.Context(), command.RecordSubmissionCommand{
		UserID:      c.Param("user_id"),
		Topic:       body.Topic,
		Difficulty:  body.Difficulty,
		Passed:      body.Passed,
		SubmittedAt: body.SubmittedAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ══════════════════════════════════════════════════════════════════════════════

// handleGetProfile handles GET /api/v1/users/:user_id/profile.
func (s *Server) handleGetProfile(c *gin.Context) {
	userID, err := shared.NewUserID(c.Param("user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	profile, err := s.deps.Engine.GetProfile(c.Request.Context(), userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, profile)
}

// handleListAchievements handles GET /api/v1/users/:user_id/achievements.
func (s *Server) handleListAchievements(c *gin.Context) {
	unlockedOnly := false
	if raw := c.Query("unlocked_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, CodeValidation, "unlocked_only must be a boolean")
			return
		}
		unlockedOnly = v
	}

	list, err := s.deps.Achievements.Handle(c.Request.Context(), query.ListAchievementsQuery{
		UserID:       c.Param("user_id"),
		Category:     c.Query("category"),
		UnlockedOnly: unlockedOnly,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSONWithMeta(c, http.StatusOK, list, &ResponseMeta{Count: len(list)})
}

// handleGetLeaderboard handles GET /api/v1/leaderboard.
func (s *Server) handleGetLeaderboard(c *gin.Context) {
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}

	res, err := s.deps.Leaderboard.Handle(c.Request.Context(), query.GetLeaderboardQuery{
		Timeframe: c.Query("timeframe"),
		Limit:     limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSONWithMeta(c, http.StatusOK, res, &ResponseMeta{Count: len(res.Entries)})
}

// handleScoreRetention handles POST /api/v1/users/:user_id/retention.
func (s *Server) handleScoreRetention(c *gin.Context) {
	var body scoreRetentionBody
	if !s.bind(c, &body) {
		return
	}

	rec, err := s.deps.Retention.Score(c.Request.Context(), query.ScoreRetentionQuery{
		UserID:          c.Param("user_id"),
		Topic:           body.Topic,
		Difficulty:      body.Difficulty,
		LastPracticedAt: body.LastPracticedAt,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

// handleGetReviewQueue handles GET /api/v1/users/:user_id/review-queue.
func (s *Server) handleGetReviewQueue(c *gin.Context) {
	limit, ok := intQuery(c, "limit")
	if !ok {
		return
	}

	queue, err := s.deps.Retention.ReviewQueue(c.Request.Context(), query.GetReviewQueueQuery{
		UserID: c.Param("user_id"),
		Limit:  limit,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSONWithMeta(c, http.StatusOK, queue, &ResponseMeta{Count: len(queue)})
}
