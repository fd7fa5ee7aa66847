package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/config"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"
	"quiz-sync-service/internal/infra/natsbus"
	"quiz-sync-service/internal/infra/postgres"
	redissession "quiz-sync-service/internal/infra/redis"
	transport "quiz-sync-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	clock := clockwork.NewRealClock()
	g, gctx := errgroup.WithContext(ctx)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	loader, err := quizLoader(cfg, pool)
	if err != nil {
		return err
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redissession.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepositoryWithClock(loader, quizTTL, clock)
	}

	var store app.SessionStore
	switch cfg.Store.Backend {
	case config.BackendRedis:
		store = redissession.NewSessionStore(redisClient, config.TTLDuration(cfg.Redis.TTL, 2*time.Hour))
	case config.BackendPostgres:
		db := postgres.Open(cfg.Postgres.URL)
		defer db.Close()
		pgStore := postgres.NewSessionStore(db)
		listenerCfg := postgres.DefaultListenerConfig()
		listenerCfg.DatabaseURL = cfg.Postgres.URL
		listener, err := postgres.NewListener(pgStore, listenerCfg)
		if err != nil {
			return err
		}
		g.Go(func() error { return listener.Run(gctx) })
		store = pgStore
	default:
		store = memory.NewSessionStore()
	}

	if cfg.NATS.URL != "" {
		natsCfg := natsbus.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		if cfg.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		bus, err := natsbus.Connect(store, natsCfg)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer bus.Close()
		store = bus
	}

	pollInterval := config.TTLDuration(cfg.Session.PollInterval, 5*time.Second)
	sessions := app.NewSessionService(store, quizRepo, app.SessionServiceConfig{
		DefaultTimeBudget: config.TTLDuration(cfg.Session.DefaultTimeBudget, 30*time.Second),
		Clock:             clock,
	})
	host := app.NewHostController(store, clock)

	opts := transport.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		PollInterval:   pollInterval,
		Clock:          clock,
	}
	if cfg.Session.AutoAdvance {
		auto := app.NewAutoAdvancer(host, store, app.AutoAdvancerConfig{PollInterval: pollInterval, Clock: clock})
		opts.OnSessionStarted = func(rec domain.SessionRecord) {
			g.Go(func() error {
				if err := auto.Watch(gctx, rec.SessionID); err != nil {
					log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("auto-advance stopped")
				}
				return nil
			})
		}
	}
	handler := transport.NewHandler(transport.Deps{
		Sessions:   sessions,
		Host:       host,
		Aggregator: app.NewAggregator(store, app.AggregatorConfig{PollInterval: pollInterval, Clock: clock}),
	}, opts)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g.Go(func() error {
		log.Info().
			Str("port", finalPort).
			Str("store", cfg.Store.Backend).
			Bool("nats", cfg.NATS.URL != "").
			Bool("auto_advance", cfg.Session.AutoAdvance).
			Msg("starting quiz sync service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// quizLoader prefers the database, then a YAML file, then the built-in sample.
func quizLoader(cfg config.Config, pool *pgxpool.Pool) (memory.QuizLoader, error) {
	switch {
	case pool != nil:
		return postgres.NewQuizLoader(pool), nil
	case cfg.Quiz.File != "":
		quizzes, err := memory.LoadQuizFile(cfg.Quiz.File)
		if err != nil {
			return nil, err
		}
		return memory.NewStaticQuizLoader(quizzes), nil
	}
	return memory.NewStaticQuizLoader(sampleQuizzes()), nil
}

func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:                "quiz-1",
			Title:             "Warm-up",
			TimeBudgetSeconds: 20,
			Questions: []domain.Question{
				{ID: "q1", Stem: "What is 2 + 2?", Options: []string{"3", "4", "5"}},
				{ID: "q2", Stem: "Which planet is closest to the sun?", Options: []string{"Venus", "Mercury", "Mars"}},
				{ID: "q3", Stem: "Pick every prime", Options: []string{"2", "4", "5", "9"}},
			},
		},
	}
}
