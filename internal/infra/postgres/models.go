package postgres

import (
	"time"

	"github.com/uptrace/bun"
	"quiz-sync-service/internal/domain"
)

type sessionRow struct {
	bun.BaseModel `bun:"table:quiz_sessions"`

	ID                string     `bun:"id,pk"`
	QuizID            string     `bun:"quiz_id"`
	HostID            string     `bun:"host_id"`
	QuestionOrder     []string   `bun:"question_order,type:jsonb"`
	CurrentIndex      int        `bun:"current_index"`
	Phase             string     `bun:"phase"`
	QuestionExpiresAt *time.Time `bun:"question_expires_at"`
	TimeBudgetSeconds int        `bun:"time_budget_seconds"`
	Version           int64      `bun:"version"`
	UpdatedAt         time.Time  `bun:"updated_at"`
}

func sessionRowFrom(rec domain.SessionRecord) sessionRow {
	rec = rec.Clone()
	return sessionRow{
		ID:                rec.SessionID,
		QuizID:            rec.QuizID,
		HostID:            rec.HostID,
		QuestionOrder:     rec.QuestionOrder,
		CurrentIndex:      rec.CurrentIndex,
		Phase:             string(rec.Phase),
		QuestionExpiresAt: rec.QuestionExpiresAt,
		TimeBudgetSeconds: rec.TimeBudgetSeconds,
		Version:           rec.Version,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func (r sessionRow) record() domain.SessionRecord {
	return domain.SessionRecord{
		SessionID:         r.ID,
		QuizID:            r.QuizID,
		HostID:            r.HostID,
		QuestionOrder:     r.QuestionOrder,
		CurrentIndex:      r.CurrentIndex,
		Phase:             domain.Phase(r.Phase),
		QuestionExpiresAt: r.QuestionExpiresAt,
		TimeBudgetSeconds: r.TimeBudgetSeconds,
		Version:           r.Version,
		UpdatedAt:         r.UpdatedAt,
	}
}

type attemptRow struct {
	bun.BaseModel `bun:"table:quiz_attempts"`

	SessionID     string                   `bun:"session_id,pk"`
	ParticipantID string                   `bun:"participant_id,pk"`
	Answers       map[string]domain.Answer `bun:"answers,type:jsonb"`
	Revision      int64                    `bun:"revision"`
	CreatedAt     time.Time                `bun:"created_at"`
	UpdatedAt     time.Time                `bun:"updated_at"`
}

func (r attemptRow) attempt() domain.Attempt {
	a := domain.Attempt{
		SessionID:     r.SessionID,
		ParticipantID: r.ParticipantID,
		Answers:       r.Answers,
		Revision:      r.Revision,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if a.Answers == nil {
		a.Answers = make(map[string]domain.Answer)
	}
	return a
}

type quizRow struct {
	bun.BaseModel `bun:"table:quizzes"`

	ID        string      `bun:"id,pk"`
	Data      domain.Quiz `bun:"data,type:jsonb"`
	UpdatedAt time.Time   `bun:"updated_at"`
}
