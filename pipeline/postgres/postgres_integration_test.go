//go:build integration

package postgres

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn
}

func TestIntegration_ConnectAndMigrate(t *testing.T) {
	dsn := setupPostgresContainer(t)
	ctx := context.Background()

	client, err := New(Config{PrimaryDSN: dsn, Logger: log.NewNop()})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })

	assert.True(t, client.IsConnected())
	require.NoError(t, client.Ping(ctx))

	primary, err := client.Primary()
	require.NoError(t, err)

	set := MigrationSet{
		Name: "widgets",
		FS: fstest.MapFS{
			"migrations/000001_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id BIGSERIAL PRIMARY KEY);")},
			"migrations/000001_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		},
		Dir:             "migrations",
		MigrationsTable: "widgets_schema_migrations",
	}

	migrator := NewMigrator(primary, log.NewNop())
	require.NoError(t, migrator.Up(ctx, set))
	require.NoError(t, migrator.Up(ctx, set), "second run reports no change")

	var n int
	require.NoError(t, primary.QueryRowContext(ctx, "SELECT count(*) FROM widgets").Scan(&n))
	assert.Zero(t, n)
}
