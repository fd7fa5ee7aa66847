package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"quiz-sync-service/internal/config"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"
	"quiz-sync-service/internal/infra/postgres"
)

// NewMigrateCmd applies database migrations.
func NewMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runMigrationsWithConfig(cmd.Context(), cfg)
		},
	}
}

// NewSeedCmd writes the quizzes from quiz.file into postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load quizzes from a YAML file into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Quiz.File
			}
			return runSeed(cmd.Context(), cfg, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "quiz YAML file (defaults to quiz.file)")
	return cmd
}

func runMigrationsWithConfig(ctx context.Context, cfg config.Config) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}
	db := postgres.Open(cfg.Postgres.URL)
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}

func runSeed(ctx context.Context, cfg config.Config, file string) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}
	if file == "" {
		return fmt.Errorf("no quiz file given")
	}
	quizzes, err := memory.LoadQuizFile(file)
	if err != nil {
		return err
	}
	db := postgres.Open(cfg.Postgres.URL)
	defer db.Close()

	list := make([]domain.Quiz, 0, len(quizzes))
	for _, q := range quizzes {
		list = append(list, q)
	}
	if err := postgres.SeedQuizzes(ctx, db, list); err != nil {
		return err
	}
	log.Info().Int("quizzes", len(list)).Str("file", file).Msg("quizzes seeded")
	return nil
}
