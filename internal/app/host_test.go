package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
)

func TestHostScenarioThreeQuestions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.startSession(t)

	if rec.CurrentIndex != 0 || rec.Phase != domain.PhaseVoting || rec.Version != 1 {
		t.Fatalf("unexpected initial record %+v", rec)
	}
	if !rec.QuestionExpiresAt.Equal(start.Add(62 * time.Second)) {
		t.Fatalf("expected expiry now+62s, got %s", rec.QuestionExpiresAt)
	}

	h.join(t, rec.SessionID, "p1", "p2", "p3")
	for p, opt := range map[string]int{"p1": 1, "p2": 1, "p3": 2} {
		if _, err := h.sessions.SubmitAnswer(ctx, rec.SessionID, p, "q1", []int{opt}); err != nil {
			t.Fatalf("answer %s: %v", p, err)
		}
	}

	results, err := h.host.Advance(ctx, h.cmd(rec))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if results.CurrentIndex != 0 || results.Phase != domain.PhaseResults || results.QuestionExpiresAt != nil {
		t.Fatalf("expected (0, results), got %+v", results)
	}

	tally, err := h.agg.Tally(ctx, rec.SessionID, "q1")
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tally.Counts[1] != 2 || tally.Counts[2] != 1 || len(tally.Counts) != 2 {
		t.Fatalf("expected {1:2, 2:1}, got %v", tally.Counts)
	}
	if tally.Respondents != 3 || tally.Participants != 3 || tally.Percent != 100 {
		t.Fatalf("expected 3/3 = 100%%, got %+v", tally)
	}

	h.clock.Advance(5 * time.Second)
	next, err := h.host.Advance(ctx, h.cmd(rec))
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if next.CurrentIndex != 1 || next.Phase != domain.PhaseVoting {
		t.Fatalf("expected (1, voting), got %+v", next)
	}
	if !next.QuestionExpiresAt.Equal(h.clock.Now().Add(62 * time.Second)) {
		t.Fatalf("expected fresh expiry, got %s", next.QuestionExpiresAt)
	}
}

func TestHostStaleTabsProduceOneWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.startSession(t)

	for i := 0; i < 4; i++ {
		var err error
		if rec, err = h.host.Advance(ctx, h.cmd(rec)); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if rec.Version != 5 {
		t.Fatalf("expected version 5, got %d", rec.Version)
	}

	tab := h.cmd(rec)
	tab.ExpectedVersion = rec.Version

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.host.Advance(ctx, tab)
		}(i)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrVersionConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", succeeded, conflicted)
	}

	final, _ := h.store.Get(ctx, rec.SessionID)
	if final.Version != 6 || final.Phase != domain.PhaseResults || final.CurrentIndex != 2 {
		t.Fatalf("expected v6 (2, results), got %+v", final)
	}
}

func TestHostCompletedSessionIsClosed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.startSession(t)

	// 3 questions: voting/results each, then completion
	for i := 0; i < 6; i++ {
		var err error
		if rec, err = h.host.Advance(ctx, h.cmd(rec)); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if rec.Phase != domain.PhaseCompleted {
		t.Fatalf("expected completed, got %+v", rec)
	}

	if _, err := h.host.Advance(ctx, h.cmd(rec)); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("advance: expected ErrSessionClosed, got %v", err)
	}
	if _, err := h.host.Retreat(ctx, h.cmd(rec)); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("retreat: expected ErrSessionClosed, got %v", err)
	}
	if _, err := h.host.JumpTo(ctx, h.cmd(rec), 0); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("jump: expected ErrSessionClosed, got %v", err)
	}
	if _, err := h.host.RevealResults(ctx, h.cmd(rec)); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("reveal: expected ErrSessionClosed, got %v", err)
	}

	final, _ := h.store.Get(ctx, rec.SessionID)
	if final.Version != rec.Version {
		t.Fatalf("closed session was written: %d -> %d", rec.Version, final.Version)
	}
}

func TestHostRetreatJumpAndReveal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.startSession(t)

	if _, err := h.host.Retreat(ctx, h.cmd(rec)); !errors.Is(err, domain.ErrOutOfRange) {
		t.Fatalf("retreat at first question: expected ErrOutOfRange, got %v", err)
	}
	if _, err := h.host.JumpTo(ctx, h.cmd(rec), 3); !errors.Is(err, domain.ErrOutOfRange) {
		t.Fatalf("jump past end: expected ErrOutOfRange, got %v", err)
	}

	jumped, err := h.host.JumpTo(ctx, h.cmd(rec), 2)
	if err != nil {
		t.Fatalf("jump: %v", err)
	}
	if jumped.CurrentIndex != 2 || jumped.Phase != domain.PhaseVoting || jumped.Version != 2 {
		t.Fatalf("unexpected jump result %+v", jumped)
	}

	back, err := h.host.Retreat(ctx, h.cmd(rec))
	if err != nil {
		t.Fatalf("retreat: %v", err)
	}
	if back.CurrentIndex != 1 || back.Phase != domain.PhaseVoting {
		t.Fatalf("unexpected retreat result %+v", back)
	}

	revealed, err := h.host.RevealResults(ctx, h.cmd(rec))
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	again, err := h.host.RevealResults(ctx, h.cmd(rec))
	if err != nil {
		t.Fatalf("second reveal: %v", err)
	}
	if again.Version != revealed.Version || again.Phase != domain.PhaseResults {
		t.Fatalf("reveal in results must be a no-op: %+v vs %+v", revealed, again)
	}
}

func TestHostRejectsOtherHosts(t *testing.T) {
	h := newHarness(t)
	rec := h.startSession(t)

	_, err := h.host.Advance(context.Background(), app.HostCommand{SessionID: rec.SessionID, HostID: "intruder"})
	if !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
	if _, err := h.host.Advance(context.Background(), app.HostCommand{SessionID: "missing", HostID: "host-1"}); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHostVersionsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.startSession(t)

	ops := []func() (domain.SessionRecord, error){
		func() (domain.SessionRecord, error) { return h.host.Advance(ctx, h.cmd(rec)) },
		func() (domain.SessionRecord, error) { return h.host.Advance(ctx, h.cmd(rec)) },
		func() (domain.SessionRecord, error) { return h.host.Retreat(ctx, h.cmd(rec)) },
		func() (domain.SessionRecord, error) { return h.host.JumpTo(ctx, h.cmd(rec), 2) },
		func() (domain.SessionRecord, error) { return h.host.RevealResults(ctx, h.cmd(rec)) },
		func() (domain.SessionRecord, error) { return h.host.Advance(ctx, h.cmd(rec)) },
	}
	last := rec.Version
	for i, op := range ops {
		got, err := op()
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		if got.Version != last+1 {
			t.Fatalf("op %d: expected version %d, got %d", i, last+1, got.Version)
		}
		last = got.Version
	}
}

// racingStore lets another writer win the CAS the first `losses` times.
type racingStore struct {
	app.RecordStore
	mu     sync.Mutex
	losses int
	gets   int
}

func (s *racingStore) Get(ctx context.Context, id string) (domain.SessionRecord, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.RecordStore.Get(ctx, id)
}

func (s *racingStore) CompareAndSet(ctx context.Context, id string, expected int64, next domain.SessionRecord) (domain.SessionRecord, error) {
	s.mu.Lock()
	lose := s.losses > 0
	if lose {
		s.losses--
	}
	s.mu.Unlock()
	if lose {
		current, err := s.RecordStore.Get(ctx, id)
		if err != nil {
			return domain.SessionRecord{}, err
		}
		if _, err := s.RecordStore.CompareAndSet(ctx, id, current.Version, current); err != nil {
			return domain.SessionRecord{}, err
		}
	}
	return s.RecordStore.CompareAndSet(ctx, id, expected, next)
}

func TestHostRetriesOnceThenReportsConcurrentModification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.startSession(t)

	once := &racingStore{RecordStore: h.store, losses: 1}
	got, err := app.NewHostController(once, h.clock).Advance(ctx, h.cmd(rec))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got.Phase != domain.PhaseResults || got.Version != 3 {
		t.Fatalf("unexpected record after retry %+v", got)
	}
	if once.gets != 2 {
		t.Fatalf("expected a re-read before retry, got %d reads", once.gets)
	}

	twice := &racingStore{RecordStore: h.store, losses: 2}
	_, err = app.NewHostController(twice, h.clock).Advance(ctx, h.cmd(rec))
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if twice.gets != 2 {
		t.Fatalf("expected exactly one retry, got %d reads", twice.gets)
	}

	pinned := &racingStore{RecordStore: h.store, losses: 1}
	current, _ := h.store.Get(ctx, rec.SessionID)
	cmd := h.cmd(rec)
	cmd.ExpectedVersion = current.Version
	if _, err := app.NewHostController(pinned, h.clock).Advance(ctx, cmd); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("pinned command must not retry, got %v", err)
	}
	if pinned.gets != 1 {
		t.Fatalf("pinned command re-read %d times", pinned.gets)
	}
}
