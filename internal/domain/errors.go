package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a session record does not exist.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrSessionExists is returned when creating a record whose id is taken.
	ErrSessionExists = errors.New("quiz session already exists")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrNoQuestions indicates a quiz cannot be run because it is empty.
	ErrNoQuestions = errors.New("quiz has no questions")
	// ErrInvalidQuiz marks quiz content that breaks a structural rule.
	ErrInvalidQuiz = errors.New("invalid quiz")
	// ErrQuestionNotFound indicates a submitted question ID is not part of the session.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionOutOfRange indicates a submitted option index does not exist on the question.
	ErrOptionOutOfRange = errors.New("option index out of range")
	// ErrInvalidAnswer indicates an empty or duplicated selection.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrAttemptNotFound is returned when a participant submits before joining.
	ErrAttemptNotFound = errors.New("attempt not found")

	// ErrNotHost is returned when the caller does not hold host authority for the session.
	ErrNotHost = errors.New("caller is not the session host")
	// ErrVersionConflict is returned by compare-and-set when the stored version differs.
	ErrVersionConflict = errors.New("session record version conflict")
	// ErrConcurrentModification is returned when a host transition lost the CAS twice.
	ErrConcurrentModification = errors.New("session record modified concurrently")
	// ErrOutOfRange is returned for question index moves outside the question order.
	ErrOutOfRange = errors.New("question index out of range")
	// ErrSessionClosed is returned for any host transition on a completed session.
	ErrSessionClosed = errors.New("quiz session is closed")

	// ErrStalePhase rejects an answer for a question that is not currently voting.
	ErrStalePhase = errors.New("question is not accepting answers")
	// ErrDeadlineExceeded rejects an answer submitted after the question expired.
	ErrDeadlineExceeded = errors.New("voting deadline exceeded")
	// ErrSubscriptionLost marks a dropped push channel; readers fall back to polling.
	ErrSubscriptionLost = errors.New("session subscription lost")
)
