package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"
)

var start = time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)

type harness struct {
	clock    *clockwork.FakeClock
	store    *memory.SessionStore
	sessions *app.SessionService
	host     *app.HostController
	agg      *app.Aggregator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	store := memory.NewSessionStore()
	quizzes := memory.NewQuizRepositoryWithClock(memory.NewStaticQuizLoader(map[string]domain.Quiz{
		"quiz-1": threeQuestionQuiz(),
	}), time.Hour, clock)
	return &harness{
		clock:    clock,
		store:    store,
		sessions: app.NewSessionService(store, quizzes, app.SessionServiceConfig{Clock: clock}),
		host:     app.NewHostController(store, clock),
		agg:      app.NewAggregator(store, app.AggregatorConfig{PollInterval: 5 * time.Second, Clock: clock}),
	}
}

// startSession opens quiz-1 with a 60s budget and returns the initial record.
func (h *harness) startSession(t *testing.T) domain.SessionRecord {
	t.Helper()
	rec, err := h.sessions.StartSession(context.Background(), "quiz-1", "host-1", 60*time.Second)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return rec
}

func (h *harness) cmd(rec domain.SessionRecord) app.HostCommand {
	return app.HostCommand{SessionID: rec.SessionID, HostID: rec.HostID}
}

func (h *harness) join(t *testing.T, sessionID string, participants ...string) {
	t.Helper()
	for _, p := range participants {
		if _, _, err := h.sessions.Join(context.Background(), sessionID, p); err != nil {
			t.Fatalf("join %s: %v", p, err)
		}
	}
}

func threeQuestionQuiz() domain.Quiz {
	return domain.Quiz{
		ID:                "quiz-1",
		Title:             "Warm-up",
		TimeBudgetSeconds: 20,
		Questions: []domain.Question{
			{ID: "q1", Stem: "Pick a colour", Options: []string{"red", "green", "blue"}},
			{ID: "q2", Stem: "Pick a number", Options: []string{"1", "2", "3", "4"}},
			{ID: "q3", Stem: "Pick a side", Options: []string{"left", "right"}},
		},
	}
}

// eventually polls cond with real time; fake clocks drive everything else.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
