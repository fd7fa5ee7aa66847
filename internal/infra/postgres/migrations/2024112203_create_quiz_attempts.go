package migrations

import _ "embed"

//go:embed 0003_create_quiz_attempts.sql
var createQuizAttemptsSQL string

func init() {
	Migrations.MustRegister(createTable(createQuizAttemptsSQL), dropTable("quiz_attempts"))
}
