package postgres

import (
	"embed"

	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the outbox schema migration set.
func Migrations() pgclient.MigrationSet {
	return pgclient.MigrationSet{
		Name:            "outbox",
		FS:              migrationFiles,
		Dir:             "migrations",
		MigrationsTable: "outbox_schema_migrations",
	}
}
