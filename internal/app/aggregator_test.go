package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

func TestComputeTally(t *testing.T) {
	attempts := []domain.Attempt{
		{ParticipantID: "p1", Answers: map[string]domain.Answer{"q1": {Options: []int{0, 2}}}},
		{ParticipantID: "p2", Answers: map[string]domain.Answer{"q1": {Options: []int{2}}}},
		{ParticipantID: "p3", Answers: map[string]domain.Answer{"q2": {Options: []int{1}}}},
		{ParticipantID: "p4", Answers: map[string]domain.Answer{}},
	}
	tally := app.ComputeTally("s1", "q1", attempts)

	if tally.Counts[0] != 1 || tally.Counts[2] != 2 || len(tally.Counts) != 2 {
		t.Fatalf("unexpected counts %v", tally.Counts)
	}
	if tally.Respondents != 2 || tally.Participants != 4 {
		t.Fatalf("expected 2 of 4, got %+v", tally)
	}
	if tally.Ratio != 0.5 || tally.Percent != 50 {
		t.Fatalf("expected 50%%, got %v / %d", tally.Ratio, tally.Percent)
	}
}

func TestComputeTallyEmptySession(t *testing.T) {
	tally := app.ComputeTally("s1", "q1", nil)
	if tally.Ratio != 0 || tally.Percent != 0 || tally.Participants != 0 {
		t.Fatalf("zero participants must give 0, got %+v", tally)
	}
	if tally.Counts == nil {
		t.Fatalf("counts must be an empty map, not nil")
	}
}

func TestComputeTallyRoundsPercent(t *testing.T) {
	attempts := []domain.Attempt{
		{ParticipantID: "p1", Answers: map[string]domain.Answer{"q1": {Options: []int{0}}}},
		{ParticipantID: "p2", Answers: map[string]domain.Answer{"q1": {Options: []int{1}}}},
		{ParticipantID: "p3"},
	}
	if got := app.ComputeTally("s1", "q1", attempts).Percent; got != 67 {
		t.Fatalf("expected 2/3 to round to 67, got %d", got)
	}
}

func nextTally(t *testing.T, ch <-chan domain.Tally, match func(domain.Tally) bool) domain.Tally {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tally, ok := <-ch:
			if !ok {
				t.Fatalf("tally channel closed")
			}
			if match(tally) {
				return tally
			}
		case <-timeout:
			t.Fatalf("timed out waiting for tally")
		}
	}
}

func TestAggregatorWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	rec := h.startSession(t)
	h.join(t, rec.SessionID, "p1")

	tallies, err := h.agg.Watch(ctx, rec.SessionID, "q1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	initial := nextTally(t, tallies, func(domain.Tally) bool { return true })
	if initial.Participants != 1 || initial.Respondents != 0 || initial.Percent != 0 {
		t.Fatalf("unexpected initial tally %+v", initial)
	}

	h.join(t, rec.SessionID, "p2")
	nextTally(t, tallies, func(tl domain.Tally) bool { return tl.Participants == 2 })

	if _, err := h.sessions.SubmitAnswer(ctx, rec.SessionID, "p1", "q1", []int{1}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got := nextTally(t, tallies, func(tl domain.Tally) bool { return tl.Respondents == 1 })
	if got.Counts[1] != 1 || got.Percent != 50 {
		t.Fatalf("unexpected tally %+v", got)
	}

	// changing an answer moves the vote, it does not add one
	if _, err := h.sessions.SubmitAnswer(ctx, rec.SessionID, "p1", "q1", []int{2}); err != nil {
		t.Fatalf("change answer: %v", err)
	}
	got = nextTally(t, tallies, func(tl domain.Tally) bool { return tl.Counts[2] == 1 })
	if got.Counts[1] != 0 || got.Respondents != 1 {
		t.Fatalf("answer change double counted: %+v", got)
	}

	cancel()
	eventually(t, "watch to close", func() bool {
		select {
		case _, ok := <-tallies:
			return !ok
		default:
			return false
		}
	})
}

func TestAggregatorUnknownSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.agg.Watch(context.Background(), "missing", "q1"); err == nil {
		t.Fatalf("expected error for unknown session")
	}
	if _, err := h.agg.Tally(context.Background(), "missing", "q1"); err == nil {
		t.Fatalf("expected error for unknown session")
	}
}

// flakyAttempts wraps an attempt store whose stream can lose one answer event
// or be closed on demand.
type flakyAttempts struct {
	app.AttemptStore
	mu         sync.Mutex
	dropUpdate bool
	cancels    []func()
	streams    int
}

func (f *flakyAttempts) StreamAttempts(ctx context.Context, sessionID string) (<-chan domain.AttemptEvent, func(), error) {
	events, cancel, err := f.AttemptStore.StreamAttempts(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	f.cancels = append(f.cancels, cancel)
	f.streams++
	f.mu.Unlock()

	out := make(chan domain.AttemptEvent, 16)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Type == domain.AttemptUpdated && f.takeDrop() {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel, nil
}

func (f *flakyAttempts) takeDrop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := f.dropUpdate
	f.dropUpdate = false
	return drop
}

func (f *flakyAttempts) closeStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = nil
}

func (f *flakyAttempts) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

func TestAggregatorWatchHealsLostEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	rec := h.startSession(t)
	h.join(t, rec.SessionID, "p1", "p2")

	attempts := &flakyAttempts{AttemptStore: h.store, dropUpdate: true}
	agg := app.NewAggregator(attempts, app.AggregatorConfig{PollInterval: 5 * time.Second, Clock: h.clock})
	tallies, err := agg.Watch(ctx, rec.SessionID, "q1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for poll ticker: %v", err)
	}

	if _, err := h.sessions.SubmitAnswer(ctx, rec.SessionID, "p1", "q1", []int{1}); err != nil {
		t.Fatalf("answer p1: %v", err)
	}
	if _, err := h.sessions.SubmitAnswer(ctx, rec.SessionID, "p2", "q1", []int{2}); err != nil {
		t.Fatalf("answer p2: %v", err)
	}
	// p1's event never arrives
	got := nextTally(t, tallies, func(tl domain.Tally) bool { return tl.Counts[2] == 1 })
	if got.Respondents != 1 {
		t.Fatalf("expected only the pushed answer, got %+v", got)
	}

	h.clock.Advance(5 * time.Second)
	got = nextTally(t, tallies, func(tl domain.Tally) bool { return tl.Respondents == 2 })
	if got.Counts[1] != 1 || got.Counts[2] != 1 || got.Percent != 100 {
		t.Fatalf("poll must restore the listed tally, got %+v", got)
	}
}

func TestAggregatorWatchSurvivesStreamLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	rec := h.startSession(t)
	h.join(t, rec.SessionID, "p1")

	attempts := &flakyAttempts{AttemptStore: h.store}
	agg := app.NewAggregator(attempts, app.AggregatorConfig{PollInterval: 5 * time.Second, Clock: h.clock})
	tallies, err := agg.Watch(ctx, rec.SessionID, "q1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	nextTally(t, tallies, func(tl domain.Tally) bool { return tl.Participants == 1 })
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for poll ticker: %v", err)
	}

	attempts.closeStreams()
	if _, err := h.sessions.SubmitAnswer(ctx, rec.SessionID, "p1", "q1", []int{0}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	// each tick relists and reopens the stream if it is still down
	var got domain.Tally
	eventually(t, "tally from poll", func() bool {
		h.clock.Advance(5 * time.Second)
		select {
		case tl, ok := <-tallies:
			if !ok {
				t.Fatalf("tally channel closed on stream loss")
			}
			got = tl
		default:
		}
		return got.Respondents == 1
	})
	if got.Counts[0] != 1 {
		t.Fatalf("unexpected tally %+v", got)
	}
	eventually(t, "stream reopened", func() bool {
		h.clock.Advance(5 * time.Second)
		return attempts.streamCount() == 2
	})

	// push works again on the new stream
	h.join(t, rec.SessionID, "p2")
	nextTally(t, tallies, func(tl domain.Tally) bool { return tl.Participants == 2 })
}
