// Package apptest holds behaviour checks shared by every SessionStore backend.
package apptest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) app.SessionStore

// Epoch is the fixed "now" used by the suite; stores must not consult their own clock
// for anything they are handed a time for.
var Epoch = time.Date(2024, 11, 22, 10, 0, 0, 0, time.UTC)

// NewRecord builds a voting record on the first of three questions.
func NewRecord(sessionID string) domain.SessionRecord {
	quiz := domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{ID: "q1", Stem: "one", Options: []string{"a", "b", "c"}},
			{ID: "q2", Stem: "two", Options: []string{"a", "b"}},
			{ID: "q3", Stem: "three", Options: []string{"a", "b"}},
		},
	}
	rec, err := domain.NewSessionRecord(sessionID, "host-1", quiz, 60*time.Second, Epoch)
	if err != nil {
		panic(err)
	}
	return rec
}

// RunStoreSuite exercises the RecordStore and AttemptStore contracts.
func RunStoreSuite(t *testing.T, newStore Factory) {
	t.Run("CreateStartsAtVersionOne", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.Create(ctx, NewRecord("s-create"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if rec.Version != 1 {
			t.Fatalf("expected version 1, got %d", rec.Version)
		}
		if _, err := store.Create(ctx, NewRecord("s-create")); !errors.Is(err, domain.ErrSessionExists) {
			t.Fatalf("expected ErrSessionExists, got %v", err)
		}
		got, err := store.Get(ctx, "s-create")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Phase != domain.PhaseVoting || got.CurrentQuestionID() != "q1" || len(got.QuestionOrder) != 3 {
			t.Fatalf("unexpected record %+v", got)
		}
		if got.QuestionExpiresAt == nil || !got.QuestionExpiresAt.Equal(Epoch.Add(62*time.Second)) {
			t.Fatalf("expiry not preserved: %v", got.QuestionExpiresAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec, err := store.Create(ctx, NewRecord("s-cas"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		next, err := domain.NextAdvance(rec, Epoch.Add(time.Second))
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		stored, err := store.CompareAndSet(ctx, "s-cas", rec.Version, next)
		if err != nil {
			t.Fatalf("cas: %v", err)
		}
		if stored.Version != 2 || stored.Phase != domain.PhaseResults {
			t.Fatalf("unexpected stored record %+v", stored)
		}

		if _, err := store.CompareAndSet(ctx, "s-cas", rec.Version, next); !errors.Is(err, domain.ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict for stale version, got %v", err)
		}
		got, _ := store.Get(ctx, "s-cas")
		if got.Version != 2 {
			t.Fatalf("stale CAS must not write, version %d", got.Version)
		}
	})

	t.Run("ConcurrentCompareAndSetHasOneWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec, err := store.Create(ctx, NewRecord("s-race"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		next, _ := domain.NextAdvance(rec, Epoch)

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.CompareAndSet(ctx, "s-race", rec.Version, next)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrVersionConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("SubscribeDeliversWrites", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec, err := store.Create(ctx, NewRecord("s-sub"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		updates, cancel, err := store.Subscribe(ctx, "s-sub")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer cancel()

		next, _ := domain.NextAdvance(rec, Epoch)
		if _, err := store.CompareAndSet(ctx, "s-sub", rec.Version, next); err != nil {
			t.Fatalf("cas: %v", err)
		}
		got := WaitRecord(t, updates, func(r domain.SessionRecord) bool { return r.Version == 2 })
		if got.Phase != domain.PhaseResults {
			t.Fatalf("expected results phase, got %s", got.Phase)
		}
	})

	t.Run("SubscribeMissing", func(t *testing.T) {
		store := newStore(t)
		if _, _, err := store.Subscribe(context.Background(), "nope"); !errors.Is(err, domain.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("CreateAttemptIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Create(ctx, NewRecord("s-att")); err != nil {
			t.Fatalf("create: %v", err)
		}
		first, created, err := store.CreateAttempt(ctx, "s-att", "p1", Epoch)
		if err != nil || !created {
			t.Fatalf("first create: created=%v err=%v", created, err)
		}
		second, created, err := store.CreateAttempt(ctx, "s-att", "p1", Epoch.Add(time.Second))
		if err != nil || created {
			t.Fatalf("second create: created=%v err=%v", created, err)
		}
		if first.Revision != second.Revision || !second.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("attempt changed on re-join: %+v vs %+v", first, second)
		}
		if _, _, err := store.CreateAttempt(ctx, "nope", "p1", Epoch); !errors.Is(err, domain.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("UpsertAnswerChecksPhase", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec, err := store.Create(ctx, NewRecord("s-ans"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.UpsertAnswer(ctx, "s-ans", "ghost", "q1", []int{0}, Epoch); !errors.Is(err, domain.ErrAttemptNotFound) {
			t.Fatalf("expected ErrAttemptNotFound, got %v", err)
		}
		joined, _, err := store.CreateAttempt(ctx, "s-ans", "p1", Epoch)
		if err != nil {
			t.Fatalf("join: %v", err)
		}

		attempt, err := store.UpsertAnswer(ctx, "s-ans", "p1", "q1", []int{1}, Epoch.Add(time.Second))
		if err != nil {
			t.Fatalf("answer: %v", err)
		}
		if attempt.Revision <= joined.Revision {
			t.Fatalf("revision did not grow: %d -> %d", joined.Revision, attempt.Revision)
		}
		ans := attempt.Answers["q1"]
		if len(ans.Options) != 1 || ans.Options[0] != 1 || ans.RecordVersion != rec.Version {
			t.Fatalf("unexpected answer %+v", ans)
		}

		overwritten, err := store.UpsertAnswer(ctx, "s-ans", "p1", "q1", []int{2}, Epoch.Add(2*time.Second))
		if err != nil {
			t.Fatalf("overwrite: %v", err)
		}
		if got := overwritten.Answers["q1"].Options; len(got) != 1 || got[0] != 2 {
			t.Fatalf("expected overwrite to option 2, got %v", got)
		}

		if _, err := store.UpsertAnswer(ctx, "s-ans", "p1", "q2", []int{0}, Epoch.Add(time.Second)); !errors.Is(err, domain.ErrStalePhase) {
			t.Fatalf("expected ErrStalePhase for non-current question, got %v", err)
		}
		if _, err := store.UpsertAnswer(ctx, "s-ans", "p1", "q1", []int{0}, Epoch.Add(63*time.Second)); !errors.Is(err, domain.ErrDeadlineExceeded) {
			t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
		}

		next, _ := domain.NextAdvance(rec, Epoch.Add(3*time.Second))
		if _, err := store.CompareAndSet(ctx, "s-ans", rec.Version, next); err != nil {
			t.Fatalf("cas: %v", err)
		}
		if _, err := store.UpsertAnswer(ctx, "s-ans", "p1", "q1", []int{0}, Epoch.Add(4*time.Second)); !errors.Is(err, domain.ErrStalePhase) {
			t.Fatalf("expected ErrStalePhase after reveal, got %v", err)
		}

		list, err := store.ListAttempts(ctx, "s-ans")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].Answers["q1"].Options[0] != 2 {
			t.Fatalf("rejected answers must not be written: %+v", list)
		}
	})

	t.Run("StreamAttempts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Create(ctx, NewRecord("s-stream")); err != nil {
			t.Fatalf("create: %v", err)
		}
		events, cancel, err := store.StreamAttempts(ctx, "s-stream")
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		defer cancel()

		if _, _, err := store.CreateAttempt(ctx, "s-stream", "p1", Epoch); err != nil {
			t.Fatalf("join: %v", err)
		}
		if _, err := store.UpsertAnswer(ctx, "s-stream", "p1", "q1", []int{0}, Epoch); err != nil {
			t.Fatalf("answer: %v", err)
		}

		ev := WaitAttempt(t, events, func(ev domain.AttemptEvent) bool {
			_, answered := ev.Attempt.Answers["q1"]
			return answered
		})
		if ev.Type != domain.AttemptUpdated || ev.Attempt.ParticipantID != "p1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	})
}

// WaitRecord reads from ch until match returns true or a deadline passes.
func WaitRecord(t *testing.T, ch <-chan domain.SessionRecord, match func(domain.SessionRecord) bool) domain.SessionRecord {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				t.Fatalf("record channel closed")
			}
			if match(rec) {
				return rec
			}
		case <-timeout:
			t.Fatalf("timed out waiting for record")
		}
	}
}

// WaitAttempt reads from ch until match returns true or a deadline passes.
func WaitAttempt(t *testing.T, ch <-chan domain.AttemptEvent, match func(domain.AttemptEvent) bool) domain.AttemptEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("attempt channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for attempt event")
		}
	}
}
