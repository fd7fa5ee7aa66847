package domain

import (
	"fmt"
	"time"
)

// The Next* functions compute the record that a host operation would write.
// They never touch Version; the store assigns it on a successful CAS.

// NextAdvance moves Voting to Results in place, and Results to the next
// question (or Completed on the last one).
func NextAdvance(rec SessionRecord, now time.Time) (SessionRecord, error) {
	next := rec.Clone()
	switch rec.Phase {
	case PhaseVoting:
		next.Phase = PhaseResults
		next.QuestionExpiresAt = nil
	case PhaseResults:
		if rec.IsLast() {
			next.Phase = PhaseCompleted
			next.QuestionExpiresAt = nil
		} else {
			enterVoting(&next, rec.CurrentIndex+1, now)
		}
	case PhaseCompleted:
		return rec, ErrSessionClosed
	default:
		return rec, fmt.Errorf("unknown phase %q", rec.Phase)
	}
	next.UpdatedAt = now
	return next, nil
}

// NextRetreat reopens voting on the previous question.
func NextRetreat(rec SessionRecord, now time.Time) (SessionRecord, error) {
	if rec.Phase == PhaseCompleted {
		return rec, ErrSessionClosed
	}
	if rec.CurrentIndex <= 0 {
		return rec, fmt.Errorf("%w: cannot retreat from the first question", ErrOutOfRange)
	}
	next := rec.Clone()
	enterVoting(&next, rec.CurrentIndex-1, now)
	next.UpdatedAt = now
	return next, nil
}

// NextJump opens voting on an arbitrary question.
func NextJump(rec SessionRecord, index int, now time.Time) (SessionRecord, error) {
	if rec.Phase == PhaseCompleted {
		return rec, ErrSessionClosed
	}
	if index < 0 || index >= len(rec.QuestionOrder) {
		return rec, fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, index, len(rec.QuestionOrder))
	}
	next := rec.Clone()
	enterVoting(&next, index, now)
	next.UpdatedAt = now
	return next, nil
}

// NextReveal closes voting. It reports changed=false when results are already shown.
func NextReveal(rec SessionRecord, now time.Time) (SessionRecord, bool, error) {
	switch rec.Phase {
	case PhaseResults:
		return rec, false, nil
	case PhaseVoting:
		next, err := NextAdvance(rec, now)
		return next, err == nil, err
	default:
		return rec, false, ErrSessionClosed
	}
}

func enterVoting(rec *SessionRecord, index int, now time.Time) {
	rec.CurrentIndex = index
	rec.Phase = PhaseVoting
	exp := ComputeExpiry(rec.TimeBudget(), now)
	rec.QuestionExpiresAt = &exp
}

// NewSessionRecord builds the initial record for a run: first question, voting open.
func NewSessionRecord(sessionID, hostID string, quiz Quiz, budget time.Duration, now time.Time) (SessionRecord, error) {
	if len(quiz.Questions) == 0 {
		return SessionRecord{}, ErrNoQuestions
	}
	order := make([]string, 0, len(quiz.Questions))
	for _, q := range quiz.Questions {
		order = append(order, q.ID)
	}
	rec := SessionRecord{
		SessionID:         sessionID,
		QuizID:            quiz.ID,
		HostID:            hostID,
		QuestionOrder:     order,
		TimeBudgetSeconds: int(budget / time.Second),
		UpdatedAt:         now,
	}
	enterVoting(&rec, 0, now)
	return rec, nil
}
