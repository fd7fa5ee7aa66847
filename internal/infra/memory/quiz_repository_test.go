package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"quiz-sync-service/internal/domain"
)

func TestQuizRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.Quiz{
			"quiz-1": sampleQuiz(),
		}),
	}
	clock := clockwork.NewFakeClock()
	repo := NewQuizRepositoryWithClock(loader, time.Minute, clock)

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader once, got %d", loader.count())
	}

	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz 2: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.count())
	}

	// ttl plus the maximum 10% jitter
	clock.Advance(67 * time.Second)
	if _, err := repo.GetQuiz(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz 3: %v", err)
	}
	if loader.count() != 2 {
		t.Fatalf("expected reload after expiry, loader calls %d", loader.count())
	}
}

func TestQuizRepositoryMissing(t *testing.T) {
	repo := NewQuizRepository(NewStaticQuizLoader(nil), time.Minute)
	if _, err := repo.GetQuiz(context.Background(), "nope"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

func TestLoadQuizFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quizzes.yaml")
	content := `quizzes:
  - id: capitals
    title: Capitals
    timeBudgetSeconds: 20
    questions:
      - id: q1
        stem: Capital of France?
        options: [Paris, Lyon, Nice]
      - id: q2
        stem: Capital of Japan?
        options: [Osaka, Tokyo]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	quizzes, err := LoadQuizFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	quiz, ok := quizzes["capitals"]
	if !ok {
		t.Fatalf("quiz missing: %+v", quizzes)
	}
	if quiz.TimeBudgetSeconds != 20 || len(quiz.Questions) != 2 || quiz.Questions[1].Options[1] != "Tokyo" {
		t.Fatalf("unexpected quiz %+v", quiz)
	}
}

type countingLoader struct {
	QuizLoader
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{
				ID:      "q1",
				Stem:    "What is 2 + 2?",
				Options: []string{"3", "4"},
			},
		},
	}
}
