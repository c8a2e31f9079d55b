//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type integrationEnv struct {
	repo    *Repository
	primary *sql.DB
}

func setupRepository(t *testing.T) integrationEnv {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("outbox"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := pgclient.New(pgclient.Config{PrimaryDSN: dsn, Logger: log.NewNop()})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })

	primary, err := client.Primary()
	require.NoError(t, err)
	require.NoError(t, pgclient.NewMigrator(primary, log.NewNop()).Up(ctx, Migrations()))

	repo, err := NewRepository(client)
	require.NoError(t, err)

	return integrationEnv{repo: repo, primary: primary}
}

func (env integrationEnv) seed(t *testing.T, n int, userID *string) []int64 {
	t.Helper()

	ctx := context.Background()

	tx, err := env.primary.BeginTx(ctx, nil)
	require.NoError(t, err)

	ids := make([]int64, 0, n)

	for i := range n {
		entry, err := outbox.NewEntry("Habit", fmt.Sprintf("habit-%d", i), outbox.OperationUpdated, userID, time.Now())
		require.NoError(t, err)
		require.NoError(t, env.repo.Add(ctx, tx, entry))

		ids = append(ids, entry.ID)
	}

	require.NoError(t, tx.Commit())

	return ids
}

func TestIntegration_AddIsTransactional(t *testing.T) {
	env := setupRepository(t)
	ctx := context.Background()

	tx, err := env.primary.BeginTx(ctx, nil)
	require.NoError(t, err)

	entry, err := outbox.NewEntry("Goal", "goal-1", outbox.OperationCreated, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, env.repo.Add(ctx, tx, entry))
	assert.Positive(t, entry.ID)
	require.NoError(t, tx.Rollback())

	batch, err := env.repo.AcquireBatch(ctx, "w", time.Now().Add(time.Minute), 10, 3)
	require.NoError(t, err)
	assert.Empty(t, batch, "rolled back entry must not exist")
}

func TestIntegration_ConcurrentAcquireIsExclusive(t *testing.T) {
	env := setupRepository(t)
	ctx := context.Background()
	env.seed(t, 300, nil)

	var (
		mu   sync.Mutex
		seen = make(map[int64]string)
		wg   sync.WaitGroup
	)

	for w := range 6 {
		wg.Add(1)

		go func(holder string) {
			defer wg.Done()

			for {
				batch, err := env.repo.AcquireBatch(ctx, holder, time.Now().Add(time.Minute), 20, 3)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}

				if len(batch) == 0 {
					return
				}

				mu.Lock()
				for _, e := range batch {
					if prev, dup := seen[e.ID]; dup {
						t.Errorf("entry %d leased to %s and %s", e.ID, prev, holder)
					}

					seen[e.ID] = holder
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}

	wg.Wait()

	assert.Len(t, seen, 300)
}

func TestIntegration_AcquireOrderedAndRetryThreshold(t *testing.T) {
	env := setupRepository(t)
	ctx := context.Background()
	user := "user-7"
	ids := env.seed(t, 3, &user)

	batch, err := env.repo.AcquireBatch(ctx, "w", time.Now().Add(time.Minute), 10, 2)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for i, e := range batch {
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, outbox.StatusProcessing, e.Status)
		require.NotNil(t, e.UserID)
		assert.Equal(t, user, *e.UserID)
	}

	for round := range 2 {
		for _, e := range batch {
			e.MarkFailed(errors.New("dial tcp: connection refused"), 2)
		}

		require.NoError(t, env.repo.UpdateBatch(ctx, "w", batch))

		batch, err = env.repo.AcquireBatch(ctx, "w", time.Now().Add(time.Minute), 10, 2)
		require.NoError(t, err)

		if round == 0 {
			require.Len(t, batch, 3)
			assert.Equal(t, 1, batch[0].RetryCount)
		}
	}

	assert.Empty(t, batch, "entries at the retry threshold are never acquired")

	counts, err := env.repo.CountFailedByEntityType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Habit": 3}, counts)
}

func TestIntegration_ExpiredLeaseReclaimedWithoutSweep(t *testing.T) {
	env := setupRepository(t)
	ctx := context.Background()
	env.seed(t, 1, nil)

	first, err := env.repo.AcquireBatch(ctx, "crashed", time.Now().Add(time.Second), 10, 3)
	require.NoError(t, err)
	require.Len(t, first, 1)

	none, err := env.repo.AcquireBatch(ctx, "other", time.Now().Add(time.Minute), 10, 3)
	require.NoError(t, err)
	assert.Empty(t, none)

	time.Sleep(1500 * time.Millisecond)

	second, err := env.repo.AcquireBatch(ctx, "other", time.Now().Add(time.Minute), 10, 3)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].HeldBy("other"))

	first[0].MarkProcessed(time.Now())
	err = env.repo.UpdateBatch(ctx, "crashed", first)
	require.ErrorIs(t, err, outbox.ErrLeaseLost, "the original holder cannot overwrite a reclaimed row")
}

func TestIntegration_ReleaseExpiredLeases(t *testing.T) {
	env := setupRepository(t)
	ctx := context.Background()
	env.seed(t, 2, nil)

	_, err := env.repo.AcquireBatch(ctx, "w", time.Now().Add(time.Second), 10, 3)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	released, err := env.repo.ReleaseExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)

	var pending int
	require.NoError(t, env.primary.QueryRowContext(ctx,
		"SELECT count(*) FROM outbox_entries WHERE status = 'pending' AND lease_holder IS NULL AND retry_count = 0").Scan(&pending))
	assert.Equal(t, 2, pending)
}

func TestIntegration_ArchiveProcessedEntriesBounds(t *testing.T) {
	env := setupRepository(t)
	ctx := context.Background()
	ids := env.seed(t, 5, nil)

	cutoff := time.Now().UTC().Truncate(time.Second)

	processedAt := map[int64]*time.Time{
		ids[0]: ptr(cutoff.Add(-2 * time.Hour)),
		ids[1]: ptr(cutoff.Add(-time.Hour)),
		ids[2]: ptr(cutoff),
		ids[3]: ptr(cutoff.Add(time.Hour)),
		ids[4]: nil,
	}

	for id, at := range processedAt {
		_, err := env.primary.ExecContext(ctx, "UPDATE outbox_entries SET processed_at = $1, status = 'processed' WHERE id = $2", at, id)
		require.NoError(t, err)
	}

	removed, err := env.repo.ArchiveProcessedEntries(ctx, cutoff, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = env.repo.ArchiveProcessedEntries(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var remaining []int64

	rows, err := env.primary.QueryContext(ctx, "SELECT id FROM outbox_entries ORDER BY id")
	require.NoError(t, err)

	for rows.Next() {
		var id int64
		require.NoError(t, rows.Scan(&id))
		remaining = append(remaining, id)
	}

	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	assert.Equal(t, []int64{ids[2], ids[3], ids[4]}, remaining)
}

func ptr[T any](v T) *T { return &v }
