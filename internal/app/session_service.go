package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/domain"
)

// SessionServiceConfig carries tunables for starting sessions.
type SessionServiceConfig struct {
	DefaultTimeBudget time.Duration
	Clock             clockwork.Clock
}

// SessionService contains the session use cases shared by host and participants.
type SessionService struct {
	store         SessionStore
	quizzes       QuizRepository
	clock         clockwork.Clock
	defaultBudget time.Duration
	newID         func() string
}

func NewSessionService(store SessionStore, quizzes QuizRepository, cfg SessionServiceConfig) *SessionService {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DefaultTimeBudget <= 0 {
		cfg.DefaultTimeBudget = 30 * time.Second
	}
	return &SessionService{
		store:         store,
		quizzes:       quizzes,
		clock:         cfg.Clock,
		defaultBudget: cfg.DefaultTimeBudget,
		newID:         uuid.NewString,
	}
}

// StartSession fixes the question order of quizID and opens voting on the first question.
// A non-positive budget falls back to the quiz's own budget, then the configured default.
func (s *SessionService) StartSession(ctx context.Context, quizID, hostID string, budget time.Duration) (domain.SessionRecord, error) {
	if hostID == "" {
		return domain.SessionRecord{}, domain.ErrNotHost
	}
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.SessionRecord{}, err
	}
	if budget <= 0 {
		budget = time.Duration(quiz.TimeBudgetSeconds) * time.Second
	}
	if budget <= 0 {
		budget = s.defaultBudget
	}

	rec, err := domain.NewSessionRecord(s.newID(), hostID, quiz, budget, s.clock.Now())
	if err != nil {
		return domain.SessionRecord{}, err
	}
	stored, err := s.store.Create(ctx, rec)
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	log.Info().
		Str("session_id", stored.SessionID).
		Str("quiz_id", quizID).
		Int("questions", len(stored.QuestionOrder)).
		Dur("budget", budget).
		Msg("session started")
	return stored, nil
}

// Get returns the current session record.
func (s *SessionService) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	return s.store.Get(ctx, sessionID)
}

// Subscribe streams record changes for a session.
func (s *SessionService) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionRecord, func(), error) {
	return s.store.Subscribe(ctx, sessionID)
}

// Questions lists the session's questions in their fixed order.
func (s *SessionService) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	rec, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, rec.QuizID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Question, 0, len(rec.QuestionOrder))
	for _, id := range rec.QuestionOrder {
		q, ok := quiz.Question(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s in quiz %s", domain.ErrQuestionNotFound, id, rec.QuizID)
		}
		out = append(out, q)
	}
	return out, nil
}

// Join registers a participant's attempt and returns the record to render from.
func (s *SessionService) Join(ctx context.Context, sessionID, participantID string) (domain.SessionRecord, domain.Attempt, error) {
	rec, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return domain.SessionRecord{}, domain.Attempt{}, err
	}
	attempt, created, err := s.store.CreateAttempt(ctx, sessionID, participantID, s.clock.Now())
	if err != nil {
		return domain.SessionRecord{}, domain.Attempt{}, err
	}
	if created {
		log.Info().Str("session_id", sessionID).Str("participant_id", participantID).Msg("participant joined")
	}
	return rec, attempt, nil
}

// SubmitAnswer validates the selection against the question and performs the
// authoritative, phase-checked upsert.
func (s *SessionService) SubmitAnswer(ctx context.Context, sessionID, participantID, questionID string, options []int) (domain.Attempt, error) {
	rec, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return domain.Attempt{}, err
	}
	quiz, err := s.quizzes.GetQuiz(ctx, rec.QuizID)
	if err != nil {
		return domain.Attempt{}, err
	}
	question, ok := quiz.Question(questionID)
	if !ok {
		return domain.Attempt{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, questionID)
	}
	if err := domain.ValidateSelection(question, options); err != nil {
		return domain.Attempt{}, err
	}
	return s.store.UpsertAnswer(ctx, sessionID, participantID, questionID, options, s.clock.Now())
}
