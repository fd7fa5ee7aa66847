package app

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"quiz-sync-service/internal/domain"
)

// ComputeTally counts the selected options of every attempt's answer for questionID.
// The participation denominator is the number of attempts given.
func ComputeTally(sessionID, questionID string, attempts []domain.Attempt) domain.Tally {
	tally := domain.Tally{
		SessionID:  sessionID,
		QuestionID: questionID,
		Counts:     make(map[int]int),
	}
	for _, attempt := range attempts {
		answer, ok := attempt.Answers[questionID]
		if !ok || len(answer.Options) == 0 {
			continue
		}
		tally.Respondents++
		for _, opt := range answer.Options {
			tally.Counts[opt]++
		}
	}
	return withParticipation(tally, len(attempts))
}

// withParticipation fills the ratio fields; a zero denominator yields 0.
func withParticipation(t domain.Tally, participants int) domain.Tally {
	t.Participants = participants
	t.Ratio = 0
	t.Percent = 0
	if participants > 0 {
		t.Ratio = float64(t.Respondents) / float64(participants)
		t.Percent = int(math.Round(t.Ratio * 100))
	}
	return t
}

// AggregatorConfig tunes the reconciliation poll behind Watch.
type AggregatorConfig struct {
	PollInterval time.Duration
	Clock        clockwork.Clock
}

// Aggregator derives live vote tallies from the attempt collection. The attempt
// stream is a hint; a periodic listing is the ground truth.
type Aggregator struct {
	attempts     AttemptStore
	clock        clockwork.Clock
	pollInterval time.Duration
	presence     *Presence

	mu       sync.Mutex
	watchers map[string]int
}

func NewAggregator(attempts AttemptStore, cfg AggregatorConfig) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Aggregator{
		attempts:     attempts,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		presence:     NewPresence(),
		watchers:     make(map[string]int),
	}
}

// Tally computes the current tally for one question.
func (a *Aggregator) Tally(ctx context.Context, sessionID, questionID string) (domain.Tally, error) {
	attempts, err := a.attempts.ListAttempts(ctx, sessionID)
	if err != nil {
		return domain.Tally{}, fmt.Errorf("list attempts: %w", err)
	}
	return ComputeTally(sessionID, questionID, attempts), nil
}

// Watch emits a fresh tally for questionID whenever the session's attempts change.
// The channel always holds the latest tally and is closed when ctx ends. A lost
// attempt stream degrades to polling until it can be reopened.
func (a *Aggregator) Watch(ctx context.Context, sessionID, questionID string) (<-chan domain.Tally, error) {
	// Subscribe before listing so no write falls between the two.
	events, cancel, err := a.attempts.StreamAttempts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("stream attempts: %w", err)
	}
	initial, err := a.attempts.ListAttempts(ctx, sessionID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	a.acquire(sessionID)
	view := newAttemptView(sessionID, a.presence)
	view.seed(initial)

	out := make(chan domain.Tally, 1)
	out <- view.tally(questionID)

	go func() {
		defer close(out)
		defer a.release(sessionID)
		defer func() {
			if cancel != nil {
				cancel()
			}
		}()

		ticker := a.clock.NewTicker(a.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					log.Warn().
						Err(domain.ErrSubscriptionLost).
						Str("session_id", sessionID).
						Str("question_id", questionID).
						Msg("attempt stream closed; tally falls back to polling")
					cancel()
					events, cancel = nil, nil
					continue
				}
				if view.apply(ev.Attempt) {
					sendLatest(out, view.tally(questionID))
				}
			case <-ticker.Chan():
				if events == nil {
					events, cancel = a.stream(ctx, sessionID)
				}
				attempts, err := a.attempts.ListAttempts(ctx, sessionID)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn().Err(err).Str("session_id", sessionID).Msg("tally reconciliation failed")
					}
					continue
				}
				if view.seed(attempts) {
					sendLatest(out, view.tally(questionID))
				}
			}
		}
	}()
	return out, nil
}

func (a *Aggregator) stream(ctx context.Context, sessionID string) (<-chan domain.AttemptEvent, func()) {
	events, cancel, err := a.attempts.StreamAttempts(ctx, sessionID)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("attempt stream still down")
		}
		return nil, nil
	}
	return events, cancel
}

func (a *Aggregator) acquire(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchers[sessionID]++
}

// release drops the session's presence once its last watch ends.
func (a *Aggregator) release(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.watchers[sessionID]--
	if a.watchers[sessionID] > 0 {
		return
	}
	delete(a.watchers, sessionID)
	a.presence.Forget(sessionID)
}

// attemptView keeps the highest revision of each attempt seen on a stream.
type attemptView struct {
	sessionID string
	presence  *Presence
	attempts  map[string]domain.Attempt
}

func newAttemptView(sessionID string, presence *Presence) *attemptView {
	return &attemptView{
		sessionID: sessionID,
		presence:  presence,
		attempts:  make(map[string]domain.Attempt),
	}
}

// seed folds in a full listing and reports whether anything changed.
func (v *attemptView) seed(attempts []domain.Attempt) bool {
	changed := false
	for _, attempt := range attempts {
		if v.newer(attempt) {
			v.attempts[attempt.ParticipantID] = attempt
			changed = true
		}
	}
	v.presence.Seed(v.sessionID, attempts)
	return changed
}

func (v *attemptView) apply(attempt domain.Attempt) bool {
	if !v.newer(attempt) {
		return false
	}
	v.attempts[attempt.ParticipantID] = attempt
	v.presence.Observe(domain.AttemptEvent{Type: domain.AttemptUpdated, Attempt: attempt})
	return true
}

func (v *attemptView) newer(attempt domain.Attempt) bool {
	current, ok := v.attempts[attempt.ParticipantID]
	return !ok || attempt.Revision > current.Revision
}

func (v *attemptView) tally(questionID string) domain.Tally {
	list := make([]domain.Attempt, 0, len(v.attempts))
	for _, attempt := range v.attempts {
		list = append(list, attempt)
	}
	t := ComputeTally(v.sessionID, questionID, list)
	return withParticipation(t, v.presence.Count(v.sessionID))
}

// sendLatest replaces any undelivered value in a 1-buffered channel.
func sendLatest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
