//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresPrimaryDSN(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PrimaryDSN: "  "})
	require.ErrorIs(t, err, ErrPrimaryDSNRequired)
}

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := Config{PrimaryDSN: "postgres://primary"}.normalize()

	assert.Equal(t, "postgres://primary", cfg.ReplicaDSN)
	assert.Equal(t, defaultMaxOpenConns, cfg.MaxOpenConns)
	assert.Equal(t, defaultMaxIdleConns, cfg.MaxIdleConns)
	assert.Equal(t, defaultConnMaxLifetime, cfg.ConnMaxLifetime)
	assert.NotNil(t, cfg.Logger)
}

func TestClient_AccessorsBeforeConnect(t *testing.T) {
	t.Parallel()

	c, err := New(Config{PrimaryDSN: "postgres://localhost/db"})
	require.NoError(t, err)

	_, err = c.Primary()
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Replica()
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Resolver()
	require.ErrorIs(t, err, ErrNotConnected)

	assert.False(t, c.IsConnected())
	require.NoError(t, c.Close())

	var nilClient *Client
	require.ErrorIs(t, nilClient.Connect(context.Background()), ErrNilClient)
}

//nolint:paralleltest // swaps the package-level open function
func TestClient_ConnectOpenErrorIsSanitized(t *testing.T) {
	orig := dbOpenFn
	t.Cleanup(func() { dbOpenFn = orig })

	dbOpenFn = func(string, string) (*sql.DB, error) {
		return nil, errors.New("cannot parse postgres://admin:s3cret@db:5432/app password=s3cret")
	}

	c, err := New(Config{PrimaryDSN: "postgres://admin:s3cret@db:5432/app"})
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret")
}

func TestSanitizeSensitiveError(t *testing.T) {
	t.Parallel()

	assert.Empty(t, sanitizeSensitiveError(nil))
	assert.Equal(t,
		"dial postgres://***@host/db password=***",
		sanitizeSensitiveError(errors.New("dial postgres://u:p@host/db password=hunter2")),
	)
}

func TestMigrator_RejectsBadSets(t *testing.T) {
	t.Parallel()

	m := NewMigrator(nil, nil)

	err := m.Up(context.Background(), MigrationSet{Name: "nil"})
	require.ErrorIs(t, err, ErrNilMigrationSource)

	err = m.Up(context.Background(), MigrationSet{
		Name:            "bad",
		FS:              fstest.MapFS{},
		MigrationsTable: "drop table;",
	})
	require.ErrorIs(t, err, ErrInvalidMigrationsTable)
}
