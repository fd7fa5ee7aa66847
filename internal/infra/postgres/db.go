package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/postgres/migrations"
)

// Open returns a bun handle for dsn. The caller closes it.
func Open(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// Migrate applies every pending migration.
func Migrate(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return err
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	if group.IsZero() {
		log.Info().Msg("no new migrations")
		return nil
	}
	log.Info().Str("group", group.String()).Msg("migrations applied")
	return nil
}

// SeedQuizzes upserts quiz documents into the quizzes table. Nothing is
// written unless every quiz is valid.
func SeedQuizzes(ctx context.Context, db bun.IDB, quizzes []domain.Quiz) error {
	for _, quiz := range quizzes {
		if err := quiz.Validate(); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	for _, quiz := range quizzes {
		row := quizRow{ID: quiz.ID, Data: quiz, UpdatedAt: now}
		_, err := db.NewInsert().
			Model(&row).
			On("CONFLICT (id) DO UPDATE").
			Set("data = EXCLUDED.data").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("quiz_id", quiz.ID).Int("questions", len(quiz.Questions)).Msg("quiz seeded")
	}
	return nil
}
