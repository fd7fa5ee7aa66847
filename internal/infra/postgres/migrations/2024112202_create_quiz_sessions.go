package migrations

import _ "embed"

//go:embed 0002_create_quiz_sessions.sql
var createQuizSessionsSQL string

func init() {
	Migrations.MustRegister(createTable(createQuizSessionsSQL), dropTable("quiz_sessions"))
}
