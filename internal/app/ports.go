package app

import (
	"context"
	"time"

	"quiz-sync-service/internal/domain"
)

// RecordStore abstracts where session records live (in-memory, Redis, Postgres).
// Records are only ever replaced through CompareAndSet.
type RecordStore interface {
	// Create stores a new record at version 1.
	Create(ctx context.Context, rec domain.SessionRecord) (domain.SessionRecord, error)
	Get(ctx context.Context, sessionID string) (domain.SessionRecord, error)
	// CompareAndSet writes next with version expectedVersion+1 if the stored version
	// equals expectedVersion, otherwise it returns domain.ErrVersionConflict.
	// A successful write is published to subscribers.
	CompareAndSet(ctx context.Context, sessionID string, expectedVersion int64, next domain.SessionRecord) (domain.SessionRecord, error)
	// Subscribe delivers records at least once, possibly duplicated or out of order.
	// The channel is closed when the subscription is lost or cancel is called.
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionRecord, func(), error)
}

// AttemptStore keeps one attempt per participant per session.
type AttemptStore interface {
	// CreateAttempt is idempotent; created reports whether a new attempt was made.
	CreateAttempt(ctx context.Context, sessionID, participantID string, now time.Time) (attempt domain.Attempt, created bool, err error)
	// UpsertAnswer overwrites the participant's answer for questionID. The store
	// runs domain.CheckSubmission against the current record atomically with the write.
	UpsertAnswer(ctx context.Context, sessionID, participantID, questionID string, options []int, now time.Time) (domain.Attempt, error)
	ListAttempts(ctx context.Context, sessionID string) ([]domain.Attempt, error)
	StreamAttempts(ctx context.Context, sessionID string) (<-chan domain.AttemptEvent, func(), error)
}

// SessionStore is a backend that holds both records and attempts, which is what
// the authoritative submission check needs.
type SessionStore interface {
	RecordStore
	AttemptStore
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}
