// Package retention scores how well a user is likely to remember a topic,
// using exponential decay since the last practice.
package retention

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

const domainName = "retention"

// Difficulty selects the decay constant for a topic.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty normalizes a tier. Empty and unknown values map to medium.
func ParseDifficulty(s string) Difficulty {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d
	default:
		return DifficultyMedium
	}
}

// Urgency is the review priority derived from the score.
type Urgency string

const (
	UrgencyNone     Urgency = "none"
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Record is a scored snapshot for one (user, topic).
type Record struct {
	UserID                shared.UserID `json:"user_id"`
	Topic                 string        `json:"topic"`
	Difficulty            Difficulty    `json:"difficulty"`
	LastPracticedAt       time.Time     `json:"last_practiced_at"`
	RetentionScore        float64       `json:"retention_score"`
	ReviewUrgency         Urgency       `json:"review_urgency"`
	RecommendedReviewDate time.Time     `json:"recommended_review_date"`
	ScoredAt              time.Time     `json:"scored_at"`
}

// Config parameterizes the scorer.
type Config struct {
	// Tau is the decay time constant per tier: score = exp(-dt/Tau).
	Tau map[Difficulty]time.Duration
	// Thresholds are the ascending score bounds below which urgency is
	// critical, high, medium and low respectively.
	Thresholds [4]float64
}

// DefaultConfig uses 14/7/3 days and 0.2/0.4/0.6/0.8.
func DefaultConfig() Config {
	return Config{
		Tau: map[Difficulty]time.Duration{
			DifficultyEasy:   14 * 24 * time.Hour,
			DifficultyMedium: 7 * 24 * time.Hour,
			DifficultyHard:   3 * 24 * time.Hour,
		},
		Thresholds: [4]float64{0.2, 0.4, 0.6, 0.8},
	}
}

// Scorer computes retention records. It is pure: nothing is persisted.
type Scorer struct {
	cfg Config
}

// NewScorer validates cfg and builds a scorer.
func NewScorer(cfg Config) (*Scorer, error) {
	for _, d := range []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard} {
		if cfg.Tau[d] <= 0 {
			return nil, shared.Validation(domainName, "NewScorer", "decay constant for %s must be positive", d)
		}
	}
	prev := 0.0
	for _, t := range cfg.Thresholds {
		if t <= prev || t >= 1 {
			return nil, shared.Validation(domainName, "NewScorer", "thresholds must be strictly ascending within (0,1): %v", cfg.Thresholds)
		}
		prev = t
	}
	return &Scorer{cfg: cfg}, nil
}

// Input is one scoring request.
type Input struct {
	UserID          shared.UserID
	Topic           string
	Difficulty      Difficulty
	LastPracticedAt time.Time
	Now             time.Time
}

// Score computes the record. A LastPracticedAt after Now is treated as Now.
func (s *Scorer) Score(in Input) (Record, error) {
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return Record{}, shared.Validation(domainName, "ScoreRetention", "topic is required")
	}
	if in.LastPracticedAt.IsZero() {
		return Record{}, shared.Validation(domainName, "ScoreRetention", "last_practiced_at is required")
	}

	diff := ParseDifficulty(string(in.Difficulty))
	tau := s.cfg.Tau[diff]
	now := in.Now.UTC()
	last := in.LastPracticedAt.UTC()
	if last.After(now) {
		last = now
	}

	score := s.Decay(now.Sub(last), tau)
	urgency := s.Urgency(score)

	return Record{
		UserID:                in.UserID,
		Topic:                 topic,
		Difficulty:            diff,
		LastPracticedAt:       last,
		RetentionScore:        score,
		ReviewUrgency:         urgency,
		RecommendedReviewDate: s.recommend(urgency, last, now, tau),
		ScoredAt:              now,
	}, nil
}

// Decay returns exp(-dt/tau), clamped to [0,1].
func (s *Scorer) Decay(dt, tau time.Duration) float64 {
	if dt <= 0 {
		return 1
	}
	return math.Exp(-float64(dt) / float64(tau))
}

// Urgency maps a score to its tier. A score equal to a threshold falls in
// the less urgent tier.
func (s *Scorer) Urgency(score float64) Urgency {
	t := s.cfg.Thresholds
	switch {
	case score < t[0]:
		return UrgencyCritical
	case score < t[1]:
		return UrgencyHigh
	case score < t[2]:
		return UrgencyMedium
	case score < t[3]:
		return UrgencyLow
	default:
		return UrgencyNone
	}
}

func (s *Scorer) recommend(u Urgency, last, now time.Time, tau time.Duration) time.Time {
	switch u {
	case UrgencyCritical, UrgencyHigh:
		return now
	case UrgencyMedium:
		return now.Add(24 * time.Hour)
	case UrgencyLow:
		return now.Add(3 * 24 * time.Hour)
	default:
		// The instant the score crosses into low.
		lowBound := s.cfg.Thresholds[3]
		return last.Add(time.Duration(float64(tau) * math.Log(1/lowBound)))
	}
}

// Queue orders records by ascending score (most urgent first), topic name
// breaking ties, and truncates to limit when limit > 0.
func Queue(records []Record, limit int) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RetentionScore != out[j].RetentionScore {
			return out[i].RetentionScore < out[j].RetentionScore
		}
		return out[i].Topic < out[j].Topic
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
