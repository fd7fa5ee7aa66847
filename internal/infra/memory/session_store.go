package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/pubsub"
)

// SessionStore is an in-memory implementation of app.SessionStore.
// One mutex covers records and attempts, which makes the submission phase
// check atomic with the answer write.
type SessionStore struct {
	mu       sync.RWMutex
	records  map[string]domain.SessionRecord
	attempts map[string]map[string]domain.Attempt

	recordHub  *pubsub.Hub[domain.SessionRecord]
	attemptHub *pubsub.Hub[domain.AttemptEvent]
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		records:    make(map[string]domain.SessionRecord),
		attempts:   make(map[string]map[string]domain.Attempt),
		recordHub:  pubsub.NewHub[domain.SessionRecord](8),
		attemptHub: pubsub.NewHub[domain.AttemptEvent](64),
	}
}

func (s *SessionStore) Create(_ context.Context, rec domain.SessionRecord) (domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.SessionID]; ok {
		return domain.SessionRecord{}, domain.ErrSessionExists
	}
	stored := rec.Clone()
	stored.Version = 1
	s.records[rec.SessionID] = stored
	s.attempts[rec.SessionID] = make(map[string]domain.Attempt)
	s.recordHub.Publish(rec.SessionID, stored.Clone())
	return stored.Clone(), nil
}

func (s *SessionStore) Get(_ context.Context, sessionID string) (domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

func (s *SessionStore) CompareAndSet(_ context.Context, sessionID string, expectedVersion int64, next domain.SessionRecord) (domain.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[sessionID]
	if !ok {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	if current.Version != expectedVersion {
		return domain.SessionRecord{}, fmt.Errorf("%w: expected %d, stored %d", domain.ErrVersionConflict, expectedVersion, current.Version)
	}
	stored := next.Clone()
	stored.SessionID = sessionID
	stored.Version = expectedVersion + 1
	s.records[sessionID] = stored
	s.recordHub.Publish(sessionID, stored.Clone())
	return stored.Clone(), nil
}

func (s *SessionStore) Subscribe(_ context.Context, sessionID string) (<-chan domain.SessionRecord, func(), error) {
	s.mu.RLock()
	_, ok := s.records[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	ch, cancel := s.recordHub.Subscribe(sessionID)
	return ch, cancel, nil
}

func (s *SessionStore) CreateAttempt(_ context.Context, sessionID, participantID string, now time.Time) (domain.Attempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts, ok := s.attempts[sessionID]
	if !ok {
		return domain.Attempt{}, false, domain.ErrSessionNotFound
	}
	if existing, ok := attempts[participantID]; ok {
		return existing.Clone(), false, nil
	}
	attempt := domain.Attempt{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Answers:       make(map[string]domain.Answer),
		Revision:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	attempts[participantID] = attempt
	s.attemptHub.Publish(sessionID, domain.AttemptEvent{Type: domain.AttemptCreated, Attempt: attempt.Clone()})
	return attempt.Clone(), true, nil
}

func (s *SessionStore) UpsertAnswer(_ context.Context, sessionID, participantID, questionID string, options []int, now time.Time) (domain.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return domain.Attempt{}, domain.ErrSessionNotFound
	}
	attempt, ok := s.attempts[sessionID][participantID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err := domain.CheckSubmission(rec, questionID, now); err != nil {
		return domain.Attempt{}, err
	}

	attempt = attempt.Clone()
	attempt.Answers[questionID] = domain.Answer{
		Options:       append([]int(nil), options...),
		QuestionIndex: rec.CurrentIndex,
		RecordVersion: rec.Version,
		SubmittedAt:   now,
	}
	attempt.Revision++
	attempt.UpdatedAt = now
	s.attempts[sessionID][participantID] = attempt
	s.attemptHub.Publish(sessionID, domain.AttemptEvent{Type: domain.AttemptUpdated, Attempt: attempt.Clone()})
	return attempt.Clone(), nil
}

func (s *SessionStore) ListAttempts(_ context.Context, sessionID string) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts, ok := s.attempts[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.Attempt, 0, len(attempts))
	for _, attempt := range attempts {
		out = append(out, attempt.Clone())
	}
	return out, nil
}

func (s *SessionStore) StreamAttempts(_ context.Context, sessionID string) (<-chan domain.AttemptEvent, func(), error) {
	s.mu.RLock()
	_, ok := s.attempts[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrSessionNotFound
	}
	ch, cancel := s.attemptHub.Subscribe(sessionID)
	return ch, cancel, nil
}
