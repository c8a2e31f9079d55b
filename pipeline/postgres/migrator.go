package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
)

var (
	// ErrMigrationDirty is returned when a previous run left the schema dirty.
	ErrMigrationDirty = errors.New("migration left database in dirty state")
	// ErrInvalidMigrationsTable is returned for unsafe table names.
	ErrInvalidMigrationsTable = errors.New("invalid migrations table name")
	// ErrNilMigrationSource is returned when the migration fs is nil.
	ErrNilMigrationSource = errors.New("migration source is nil")

	tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// MigrationSet is an embedded directory of golang-migrate files tracked in
// its own version table so sets owned by different packages do not collide.
type MigrationSet struct {
	Name            string
	FS              fs.FS
	Dir             string
	MigrationsTable string
}

// Migrator applies migration sets to the primary database.
type Migrator struct {
	db     *sql.DB
	logger log.Logger
}

// NewMigrator returns a Migrator for db.
func NewMigrator(db *sql.DB, logger log.Logger) *Migrator {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Migrator{db: db, logger: logger}
}

// Up applies every pending migration of each set in order.
func (m *Migrator) Up(ctx context.Context, sets ...MigrationSet) error {
	for _, set := range sets {
		if err := m.up(ctx, set); err != nil {
			return fmt.Errorf("migrate %s: %w", set.Name, err)
		}
	}

	return nil
}

func (m *Migrator) up(ctx context.Context, set MigrationSet) error {
	if set.FS == nil {
		return ErrNilMigrationSource
	}

	if !tableNamePattern.MatchString(set.MigrationsTable) {
		return fmt.Errorf("%w: %q", ErrInvalidMigrationsTable, set.MigrationsTable)
	}

	source, err := iofs.New(set.FS, set.Dir)
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		_ = source.Close()

		return fmt.Errorf("acquire connection: %w", err)
	}

	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{MigrationsTable: set.MigrationsTable})
	if err != nil {
		_ = source.Close()
		_ = conn.Close()

		return fmt.Errorf("create migration driver: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = source.Close()
		_ = driver.Close()

		return fmt.Errorf("create migration instance: %w", err)
	}

	defer mg.Close()

	err = mg.Up()

	var dirtyErr migrate.ErrDirty

	switch {
	case err == nil:
		m.logger.Log(ctx, log.LevelInfo, "migrations applied", log.String("set", set.Name))
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		m.logger.Log(ctx, log.LevelDebug, "no new migrations", log.String("set", set.Name))
		return nil
	case errors.As(err, &dirtyErr):
		m.logger.Log(ctx, log.LevelError, "migration dirty", log.String("set", set.Name), log.Int("version", dirtyErr.Version))
		return fmt.Errorf("%w: version %d", ErrMigrationDirty, dirtyErr.Version)
	default:
		return err
	}
}
