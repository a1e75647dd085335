package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alem-hub/progress-engine/internal/domain/retention"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
)

// SubmissionHistory is an in-memory retention.SubmissionHistory.
type SubmissionHistory struct {
	mu     sync.RWMutex
	topics map[shared.UserID]map[string]*retention.TopicHistory
}

// NewSubmissionHistory creates an empty history.
func NewSubmissionHistory() *SubmissionHistory {
	return &SubmissionHistory{topics: make(map[shared.UserID]map[string]*retention.TopicHistory)}
}

var _ retention.SubmissionHistory = (*SubmissionHistory)(nil)

// Record implements retention.SubmissionHistory.
func (h *SubmissionHistory) Record(_ context.Context, s retention.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	byTopic, ok := h.topics[s.UserID]
	if !ok {
		byTopic = make(map[string]*retention.TopicHistory)
		h.topics[s.UserID] = byTopic
	}
	th, ok := byTopic[s.Topic]
	if !ok {
		th = &retention.TopicHistory{Topic: s.Topic}
		byTopic[s.Topic] = th
	}
	th.Attempts++
	if !s.SubmittedAt.Before(th.LastPracticedAt) {
		th.LastPracticedAt = s.SubmittedAt.UTC()
		th.Difficulty = retention.ParseDifficulty(string(s.Difficulty))
	}
	return nil
}

// Topic implements retention.SubmissionHistory.
func (h *SubmissionHistory) Topic(_ context.Context, userID shared.UserID, topic string) (retention.TopicHistory, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	th, ok := h.topics[userID][topic]
	if !ok {
		return retention.TopicHistory{}, shared.NotFound("memory", "Topic", "no history for topic %q", topic)
	}
	return *th, nil
}

// Topics implements retention.SubmissionHistory.
func (h *SubmissionHistory) Topics(_ context.Context, userID shared.UserID) ([]retention.TopicHistory, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]retention.TopicHistory, 0, len(h.topics[userID]))
	for _, th := range h.topics[userID] {
		out = append(out, *th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

// Users implements retention.SubmissionHistory.
func (h *SubmissionHistory) Users(_ context.Context) ([]shared.UserID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]shared.UserID, 0, len(h.topics))
	for u := range h.topics {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RecordStore is an in-memory retention.RecordStore keeping the latest
// snapshot per topic.
type RecordStore struct {
	mu     sync.RWMutex
	latest map[shared.UserID]map[string]retention.Record
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{latest: make(map[shared.UserID]map[string]retention.Record)}
}

var _ retention.RecordStore = (*RecordStore)(nil)

// Save implements retention.RecordStore.
func (s *RecordStore) Save(_ context.Context, records ...retention.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		byTopic, ok := s.latest[r.UserID]
		if !ok {
			byTopic = make(map[string]retention.Record)
			s.latest[r.UserID] = byTopic
		}
		if prev, ok := byTopic[r.Topic]; ok && prev.ScoredAt.After(r.ScoredAt) {
			continue
		}
		byTopic[r.Topic] = r
	}
	return nil
}

// Latest implements retention.RecordStore.
func (s *RecordStore) Latest(_ context.Context, userID shared.UserID) ([]retention.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]retention.Record, 0, len(s.latest[userID]))
	for _, r := range s.latest[userID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}
