//go:build unit

package postgres

import (
	"context"
	"testing"

	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateReader_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewStateReader(nil, nil)
	assert.ErrorIs(t, err, ErrConnectionRequired)

	client, err := pgclient.New(pgclient.Config{PrimaryDSN: "postgres://localhost/outbox"})
	require.NoError(t, err)

	_, err = NewStateReader(client, map[string]string{"Habit": "habits; drop table users"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestStateReader_UnmappedTypeExists(t *testing.T) {
	t.Parallel()

	client, err := pgclient.New(pgclient.Config{PrimaryDSN: "postgres://localhost/outbox"})
	require.NoError(t, err)

	reader, err := NewStateReader(client, map[string]string{"Habit": "habits"})
	require.NoError(t, err)

	exists, err := reader.Exists(context.Background(), "Task", "t-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBuildExists(t *testing.T) {
	t.Parallel()

	query, args, err := buildExists("habits", "h-1")
	require.NoError(t, err)

	assert.Contains(t, query, `FROM "habits"`)
	assert.Contains(t, query, `"id" = $1`)
	assert.Contains(t, query, "LIMIT")
	assert.Equal(t, "h-1", args[0])
}
