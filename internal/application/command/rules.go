// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progress-engine/config"
	"github.com/alem-hub/progress-engine/internal/domain/achievement"
	"github.com/alem-hub/progress-engine/internal/domain/ledger"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/domain/streak"
	"github.com/alem-hub/progress-engine/pkg/tracing"
)

// Rules are the tunable gamification constants shared by the commands.
type Rules struct {
	Curve           ledger.LevelCurve
	Streak          streak.MultiplierPolicy
	WeekendFactor   ledger.Multiplier
	DefaultTimeZone string
}

// DefaultRules mirrors the configuration defaults.
func DefaultRules() Rules {
	return Rules{
		Curve:           ledger.DefaultLevelCurve(),
		Streak:          streak.DefaultMultiplierPolicy(),
		WeekendFactor:   1200,
		DefaultTimeZone: "UTC",
	}
}

// RulesFromConfig converts the configuration section.
func RulesFromConfig(cfg config.GamificationConfig) Rules {
	return Rules{
		Curve: ledger.LevelCurve{Constant: cfg.LevelCurveConstant},
		Streak: streak.MultiplierPolicy{
			Step: ledger.Multiplier(cfg.StreakStep),
			Max:  ledger.Multiplier(cfg.StreakMaxMultiplier),
		},
		WeekendFactor:   ledger.Multiplier(cfg.WeekendFactor),
		DefaultTimeZone: cfg.DefaultTimeZone,
	}
}

// achievementsFor maps unlocks back to catalog definitions, summing rewards.
func achievementsFor(catalog *achievement.Catalog, unlocks []achievement.Unlock) ([]achievement.Achievement, int64) {
	out := make([]achievement.Achievement, 0, len(unlocks))
	var bonus int64
	for _, u := range unlocks {
		a, ok := catalog.Get(u.AchievementID)
		if !ok {
			continue
		}
		out = append(out, a)
		bonus += a.XPReward
	}
	return out, bonus
}

func startSpan(ctx context.Context, name string, userID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("user.id", userID))
	return tracing.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func storeErr(domain, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *shared.DomainError
	if errors.As(err, &de) {
		return err
	}
	return shared.Transient(domain, op, err)
}
