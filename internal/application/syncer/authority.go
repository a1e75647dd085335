// Package syncer keeps a client-held GamificationProfile responsive while
// authoritative mutations are in flight. Each user is served by one actor
// that applies optimistic deltas immediately and reconciles them with the
// server-confirmed result, rolling back by replay on failure.
package syncer

import (
	"context"

	"github.com/alem-hub/progress-engine/internal/application/command"
	"github.com/alem-hub/progress-engine/internal/application/query"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// AwardRequest is the authoritative AwardXP input.
type AwardRequest struct {
	UserID         string `json:"user_id"`
	EventType      string `json:"event_type"`
	BaseAmount     int64  `json:"base_amount"`
	Source         string `json:"source,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AwardResponse is the server-confirmed AwardXP result.
type AwardResponse struct {
	EventID         string                    `json:"event_id"`
	XPAwarded       int64                     `json:"xp_awarded"`
	Multiplier      ledger.Multiplier         `json:"multiplier"`
	TotalXP         int64                     `json:"total_xp"`
	Level           int                       `json:"level"`
	LevelUp         bool                      `json:"level_up"`
	NewAchievements []achievement.Achievement `json:"new_achievements"`
	Replayed        bool                      `json:"replayed"`
}

// StreakRequest is the authoritative UpdateStreak input.
type StreakRequest struct {
	UserID       string `json:"user_id"`
	ActivityDate string `json:"activity_date"`
	TimeZone     string `json:"time_zone,omitempty"`
}

// StreakResponse is the server-confirmed UpdateStreak result.
type StreakResponse struct {
	CurrentStreak    int                       `json:"current_streak"`
	LongestStreak    int                       `json:"longest_streak"`
	Status           streak.Status             `json:"status"`
	LastActivityDate timeutil.Date             `json:"last_activity_date"`
	TimeZone         string                    `json:"time_zone"`
	NewAchievements  []achievement.Achievement `json:"new_achievements"`
	// TotalXP and Level are zero unless achievements granted XP.
	TotalXP int64 `json:"total_xp,omitempty"`
	Level   int   `json:"level,omitempty"`
	LevelUp bool  `json:"level_up,omitempty"`
}

// Authority is the source of truth the coordinator reconciles against.
type Authority interface {
	AwardXP(ctx context.Context, req AwardRequest) (*AwardResponse, error)
	UpdateStreak(ctx context.Context, req StreakRequest) (*StreakResponse, error)
	GetProfile(ctx context.Context, userID shared.UserID) (*progress.GamificationProfile, error)
}

// Reader serves the read models besides the profile. An Authority that
// also implements Reader gets the achievements and leaderboard views
// registered by NewCoordinator.
type Reader interface {
	ListAchievements(ctx context.Context, userID shared.UserID) ([]achievement.Status, error)
	GetLeaderboard(ctx context.Context, timeframe string, limit int) (*query.GetLeaderboardResult, error)
}

// LocalAuthority serves the Authority contract from in-process handlers.
type LocalAuthority struct {
	award        *command.AwardXPHandler
	streak       *command.UpdateStreakHandler
	profile      *query.GetProfileHandler
	achievements *query.ListAchievementsHandler
	leaderboard  *query.GetLeaderboardHandler
}

// NewLocalAuthority wires the handlers.
func NewLocalAuthority(
	award *command.AwardXPHandler,
	streak *command.UpdateStreakHandler,
	profile *query.GetProfileHandler,
	achievements *query.ListAchievementsHandler,
	leaderboard *query.GetLeaderboardHandler,
) *LocalAuthority {
	return &LocalAuthority{
		award:        award,
		streak:       streak,
		profile:      profile,
		achievements: achievements,
		leaderboard:  leaderboard,
	}
}

var (
	_ Authority = (*LocalAuthority)(nil)
	_ Reader    = (*LocalAuthority)(nil)
)

// AwardXP implements Authority.
func (a *LocalAuthority) AwardXP(ctx context.Context, req AwardRequest) (*AwardResponse, error) {
	res, err := a.award.Handle(ctx, command.AwardXPCommand{
		UserID:         req.UserID,
		EventType:      req.EventType,
		BaseAmount:     req.BaseAmount,
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &AwardResponse{
		EventID:         res.EventID,
		XPAwarded:       res.XPAwarded,
		Multiplier:      res.Multiplier,
		TotalXP:         res.TotalXP,
		Level:           res.Level,
		LevelUp:         res.LevelUp,
		NewAchievements: res.NewAchievements,
		Replayed:        res.Replayed,
	}, nil
}

// UpdateStreak implements Authority.
func (a *LocalAuthority) UpdateStreak(ctx context.Context, req StreakRequest) (*StreakResponse, error) {
	res, err := a.streak.Handle(ctx, command.UpdateStreakCommand{
		UserID:       req.UserID,
		ActivityDate: req.ActivityDate,
		TimeZone:     req.TimeZone,
	})
	if err != nil {
		return nil, err
	}
	return &StreakResponse{
		CurrentStreak:    res.CurrentStreak,
		LongestStreak:    res.LongestStreak,
		Status:           res.Status,
		LastActivityDate: res.LastActivityDate,
		TimeZone:         res.TimeZone,
		NewAchievements:  res.NewAchievements,
		TotalXP:          res.TotalXP,
		Level:            res.Level,
		LevelUp:          res.LevelUp,
	}, nil
}

// GetProfile implements Authority.
func (a *LocalAuthority) GetProfile(ctx context.Context, userID shared.UserID) (*progress.GamificationProfile, error) {
	return a.profile.Handle(ctx, query.GetProfileQuery{UserID: string(userID)})
}

// ListAchievements implements Reader.
func (a *LocalAuthority) ListAchievements(ctx context.Context, userID shared.UserID) ([]achievement.Status, error) {
	return a.achievements.Handle(ctx, query.ListAchievementsQuery{UserID: string(userID)})
}

// GetLeaderboard implements Reader.
func (a *LocalAuthority) GetLeaderboard(ctx context.Context, timeframe string, limit int) (*query.GetLeaderboardResult, error) {
	return a.leaderboard.Handle(ctx, query.GetLeaderboardQuery{Timeframe: timeframe, Limit: limit})
}
