package domain

import (
	"fmt"
	"time"
)

// Phase is the stage of the current question in a live session.
type Phase string

const (
	// PhaseVoting accepts answers until QuestionExpiresAt.
	PhaseVoting Phase = "voting"
	// PhaseResults shows the tally; no new answers.
	PhaseResults Phase = "results"
	// PhaseCompleted is terminal.
	PhaseCompleted Phase = "completed"
)

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseVoting, PhaseResults, PhaseCompleted:
		return true
	}
	return false
}

// SessionRecord is the authoritative document for a live quiz run.
// Only the host controller writes it, and only via compare-and-set.
type SessionRecord struct {
	SessionID         string     `json:"sessionId"`
	QuizID            string     `json:"quizId"`
	HostID            string     `json:"hostId"`
	QuestionOrder     []string   `json:"questionOrder"`
	CurrentIndex      int        `json:"currentIndex"`
	Phase             Phase      `json:"phase"`
	QuestionExpiresAt *time.Time `json:"questionExpiresAt"`
	TimeBudgetSeconds int        `json:"timeBudgetSeconds"`
	Version           int64      `json:"version"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// CurrentQuestionID returns the question id at CurrentIndex, or "" if the index is out of range.
func (r SessionRecord) CurrentQuestionID() string {
	if r.CurrentIndex < 0 || r.CurrentIndex >= len(r.QuestionOrder) {
		return ""
	}
	return r.QuestionOrder[r.CurrentIndex]
}

// IsLast reports whether the current question is the final one.
func (r SessionRecord) IsLast() bool {
	return r.CurrentIndex == len(r.QuestionOrder)-1
}

// TimeBudget returns the per-question voting budget.
func (r SessionRecord) TimeBudget() time.Duration {
	return time.Duration(r.TimeBudgetSeconds) * time.Second
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r SessionRecord) Clone() SessionRecord {
	out := r
	if r.QuestionOrder != nil {
		out.QuestionOrder = append([]string(nil), r.QuestionOrder...)
	}
	if r.QuestionExpiresAt != nil {
		exp := *r.QuestionExpiresAt
		out.QuestionExpiresAt = &exp
	}
	return out
}

// Answer is a participant's selection for one question.
type Answer struct {
	Options       []int     `json:"options"`
	QuestionIndex int       `json:"questionIndex"`
	RecordVersion int64     `json:"recordVersion"` // record version the answer was accepted against
	SubmittedAt   time.Time `json:"submittedAt"`
}

// Attempt is one participant's accumulating set of answers for a session.
type Attempt struct {
	SessionID     string            `json:"sessionId"`
	ParticipantID string            `json:"participantId"`
	Answers       map[string]Answer `json:"answers"`
	Revision      int64             `json:"revision"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the attempt.
func (a Attempt) Clone() Attempt {
	out := a
	out.Answers = make(map[string]Answer, len(a.Answers))
	for qid, ans := range a.Answers {
		ans.Options = append([]int(nil), ans.Options...)
		out.Answers[qid] = ans
	}
	return out
}

// AttemptEventType distinguishes attempt stream events.
type AttemptEventType string

const (
	AttemptCreated AttemptEventType = "created"
	AttemptUpdated AttemptEventType = "updated"
)

// AttemptEvent is delivered by attempt streams for tally recomputation.
type AttemptEvent struct {
	Type    AttemptEventType `json:"type"`
	Attempt Attempt          `json:"attempt"`
}

// Tally is the derived per-option count for one question. It is a view, never stored.
type Tally struct {
	SessionID    string      `json:"sessionId"`
	QuestionID   string      `json:"questionId"`
	Counts       map[int]int `json:"counts"`
	Respondents  int         `json:"respondents"`
	Participants int         `json:"participants"`
	Ratio        float64     `json:"ratio"`
	Percent      int         `json:"percent"`
}

// Question is a read-only multiple choice item supplied by the authoring side.
type Question struct {
	ID      string   `json:"id" yaml:"id"`
	Stem    string   `json:"stem" yaml:"stem"`
	Options []string `json:"options" yaml:"options"`
}

// Quiz is an ordered collection of questions.
type Quiz struct {
	ID                string     `json:"id" yaml:"id"`
	Title             string     `json:"title" yaml:"title"`
	TimeBudgetSeconds int        `json:"timeBudgetSeconds" yaml:"timeBudgetSeconds"`
	Questions         []Question `json:"questions" yaml:"questions"`
}

// Validate checks the rules a live session relies on: an id, at least one
// question, unique question ids and two or more options per question.
func (q Quiz) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("%w: quiz without id", ErrInvalidQuiz)
	}
	if len(q.Questions) == 0 {
		return fmt.Errorf("quiz %s: %w", q.ID, ErrNoQuestions)
	}
	seen := make(map[string]struct{}, len(q.Questions))
	for _, question := range q.Questions {
		if question.ID == "" {
			return fmt.Errorf("%w: quiz %s: question without id", ErrInvalidQuiz, q.ID)
		}
		if _, dup := seen[question.ID]; dup {
			return fmt.Errorf("%w: quiz %s: duplicate question id %q", ErrInvalidQuiz, q.ID, question.ID)
		}
		seen[question.ID] = struct{}{}
		if len(question.Options) < 2 {
			return fmt.Errorf("%w: quiz %s: question %s needs at least two options", ErrInvalidQuiz, q.ID, question.ID)
		}
	}
	return nil
}

// Question returns the question with the given id.
func (q Quiz) Question(id string) (Question, bool) {
	for _, question := range q.Questions {
		if question.ID == id {
			return question, true
		}
	}
	return Question{}, false
}
