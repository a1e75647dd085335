package shared

import (
	"context"
	"time"
)

// EventType represents the type of domain event.
type EventType string

const (
	EventXPAwarded           EventType = "progress.xp_awarded"
	EventLevelUp             EventType = "progress.level_up"
	EventStreakUpdated       EventType = "progress.streak_updated"
	EventStreakBroken        EventType = "progress.streak_broken"
	EventStreakAtRisk        EventType = "progress.streak_at_risk"
	EventAchievementUnlocked EventType = "achievement.unlocked"
	EventLeaderboardRebuilt  EventType = "leaderboard.rebuilt"
)

// Event is the base interface for all domain events.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	// AggregateID is the user the event belongs to.
	AggregateID() string
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped at the given time.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// XPAwardedEvent is emitted after an XPEvent is appended to the ledger.
type XPAwardedEvent struct {
	BaseEvent
	EventID        string `json:"event_id"`
	XPEventType    string `json:"xp_event_type"`
	Source         string `json:"source"`
	AwardedAmount  int64  `json:"awarded_amount"`
	TotalXP        int64  `json:"total_xp"`
	Level          int    `json:"level"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Payload implements Event interface.
func (e XPAwardedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"event_id":        e.EventID,
		"xp_event_type":   e.XPEventType,
		"source":          e.Source,
		"awarded_amount":  e.AwardedAmount,
		"total_xp":        e.TotalXP,
		"level":           e.Level,
		"idempotency_key": e.IdempotencyKey,
	}
}

// NewXPAwardedEvent creates a new XPAwardedEvent.
func NewXPAwardedEvent(userID, eventID, xpType, source string, awarded, total int64, level int, key string, at time.Time) XPAwardedEvent {
	return XPAwardedEvent{
		BaseEvent:      NewBaseEvent(EventXPAwarded, userID, at),
		EventID:        eventID,
		XPEventType:    xpType,
		Source:         source,
		AwardedAmount:  awarded,
		TotalXP:        total,
		Level:          level,
		IdempotencyKey: key,
	}
}

// LevelUpEvent is emitted when a user's level increases.
type LevelUpEvent struct {
	BaseEvent
	OldLevel int   `json:"old_level"`
	NewLevel int   `json:"new_level"`
	TotalXP  int64 `json:"total_xp"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"total_xp":  e.TotalXP,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(userID string, oldLevel, newLevel int, totalXP int64, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, userID, at),
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		TotalXP:   totalXP,
	}
}

// StreakUpdatedEvent is emitted when a user's streak state changes.
type StreakUpdatedEvent struct {
	BaseEvent
	CurrentStreak int    `json:"current_streak"`
	LongestStreak int    `json:"longest_streak"`
	ActivityDate  string `json:"activity_date"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"current_streak": e.CurrentStreak,
		"longest_streak": e.LongestStreak,
		"activity_date":  e.ActivityDate,
	}
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(userID string, current, longest int, activityDate string, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent:     NewBaseEvent(EventStreakUpdated, userID, at),
		CurrentStreak: current,
		LongestStreak: longest,
		ActivityDate:  activityDate,
	}
}

// StreakBrokenEvent is emitted when a gap reset a running streak.
type StreakBrokenEvent struct {
	BaseEvent
	LostStreak       int    `json:"lost_streak"`
	LastActivityDate string `json:"last_activity_date"`
}

// Payload implements Event interface.
func (e StreakBrokenEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"lost_streak":        e.LostStreak,
		"last_activity_date": e.LastActivityDate,
	}
}

// NewStreakBrokenEvent creates a new StreakBrokenEvent.
func NewStreakBrokenEvent(userID string, lost int, lastActivity string, at time.Time) StreakBrokenEvent {
	return StreakBrokenEvent{
		BaseEvent:        NewBaseEvent(EventStreakBroken, userID, at),
		LostStreak:       lost,
		LastActivityDate: lastActivity,
	}
}

// StreakAtRiskEvent is emitted by the at-risk sweep for users who acted
// yesterday but not yet today.
type StreakAtRiskEvent struct {
	BaseEvent
	CurrentStreak int `json:"current_streak"`
}

// Payload implements Event interface.
func (e StreakAtRiskEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"current_streak": e.CurrentStreak,
	}
}

// NewStreakAtRiskEvent creates a new StreakAtRiskEvent.
func NewStreakAtRiskEvent(userID string, current int, at time.Time) StreakAtRiskEvent {
	return StreakAtRiskEvent{
		BaseEvent:     NewBaseEvent(EventStreakAtRisk, userID, at),
		CurrentStreak: current,
	}
}

// AchievementUnlockedEvent is emitted once per user-achievement pair.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID string `json:"achievement_id"`
	Category      string `json:"category"`
	Rarity        string `json:"rarity"`
	XPReward      int64  `json:"xp_reward"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievement_id": e.AchievementID,
		"category":       e.Category,
		"rarity":         e.Rarity,
		"xp_reward":      e.XPReward,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID, category, rarity string, reward int64, at time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementUnlocked, userID, at),
		AchievementID: achievementID,
		Category:      category,
		Rarity:        rarity,
		XPReward:      reward,
	}
}

// LeaderboardRebuiltEvent is emitted after the nightly rebuild job.
type LeaderboardRebuiltEvent struct {
	BaseEvent
	Timeframe string `json:"timeframe"`
	Entries   int    `json:"entries"`
}

// Payload implements Event interface.
func (e LeaderboardRebuiltEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"timeframe": e.Timeframe,
		"entries":   e.Entries,
	}
}

// NewLeaderboardRebuiltEvent creates a new LeaderboardRebuiltEvent.
func NewLeaderboardRebuiltEvent(timeframe string, entries int, at time.Time) LeaderboardRebuiltEvent {
	return LeaderboardRebuiltEvent{
		BaseEvent: NewBaseEvent(EventLeaderboardRebuilt, "leaderboard", at),
		Timeframe: timeframe,
		Entries:   entries,
	}
}

// EventHandler handles an event.
type EventHandler func(ctx context.Context, event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, ...Event) error { return nil }
