package domain

import (
	"fmt"
	"time"
)

// LatencyBuffer is added to every voting deadline so participants are not cut
// off before they have seen the expiry.
const LatencyBuffer = 2 * time.Second

// ComputeExpiry returns the absolute instant a voting phase entered at now closes.
func ComputeExpiry(budget time.Duration, now time.Time) time.Time {
	return now.Add(budget + LatencyBuffer)
}

// VotingClosed reports whether the record no longer accepts answers at now.
func VotingClosed(rec SessionRecord, now time.Time) bool {
	if rec.Phase != PhaseVoting {
		return true
	}
	return rec.QuestionExpiresAt != nil && now.After(*rec.QuestionExpiresAt)
}

// CheckSubmission decides whether an answer for questionID may be accepted
// against rec at now. Stores call it atomically with the answer write.
func CheckSubmission(rec SessionRecord, questionID string, now time.Time) error {
	if rec.Phase != PhaseVoting || rec.CurrentQuestionID() != questionID {
		return fmt.Errorf("%w: question %s, session at %d/%s", ErrStalePhase, questionID, rec.CurrentIndex, rec.Phase)
	}
	if rec.QuestionExpiresAt != nil && now.After(*rec.QuestionExpiresAt) {
		return fmt.Errorf("%w: expired at %s", ErrDeadlineExceeded, rec.QuestionExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// ValidateSelection checks option indexes against the question.
func ValidateSelection(q Question, options []int) error {
	if len(options) == 0 {
		return fmt.Errorf("%w: no option selected", ErrInvalidAnswer)
	}
	seen := make(map[int]struct{}, len(options))
	for _, idx := range options {
		if idx < 0 || idx >= len(q.Options) {
			return fmt.Errorf("%w: %d not in [0,%d)", ErrOptionOutOfRange, idx, len(q.Options))
		}
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: option %d selected twice", ErrInvalidAnswer, idx)
		}
		seen[idx] = struct{}{}
	}
	return nil
}
