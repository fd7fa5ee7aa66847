package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/domain"
)

const selectQuizSQL = `SELECT data, updated_at FROM quizzes WHERE id = $1`

// QuizLoader reads quiz documents seeded into the quizzes table. It sits behind
// a cache, so it is only hit on misses.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := l.pool.QueryRow(ctx, selectQuizSQL, quizID).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
	}
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("query quiz %s: %w", quizID, err)
	}

	var quiz domain.Quiz
	if err := json.Unmarshal(raw, &quiz); err != nil {
		return domain.Quiz{}, fmt.Errorf("decode quiz %s: %w", quizID, err)
	}
	if quiz.ID == "" {
		quiz.ID = quizID
	}
	if err := quiz.Validate(); err != nil {
		return domain.Quiz{}, err
	}
	log.Debug().
		Str("quiz_id", quizID).
		Int("questions", len(quiz.Questions)).
		Time("updated_at", updatedAt).
		Msg("quiz loaded from database")
	return quiz, nil
}
