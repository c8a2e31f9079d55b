package postgres

import (
	"embed"

	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the durable bus schema migration set.
func Migrations() pgclient.MigrationSet {
	return pgclient.MigrationSet{
		Name:            "bus",
		FS:              migrationFiles,
		Dir:             "migrations",
		MigrationsTable: "bus_schema_migrations",
	}
}
