package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_quizzes.sql
var createQuizzesSQL string

// Migrations holds the schema history. Each numbered file registers one step,
// and bun names the step after the registering file.
var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(createTable(createQuizzesSQL), dropTable("quizzes"))
}

func createTable(ddl string) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, ddl)
		return err
	}
}

func dropTable(name string) migrate.MigrationFunc {
	return func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewDropTable().Table(name).IfExists().Cascade().Exec(ctx)
		return err
	}
}
