//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	pgclient "github.com/hunterwebapps/mastery-sub005/pipeline/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) (*Store, *pgclient.Client) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("bus"),
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

	client, err := pgclient.New(pgclient.Config{PrimaryDSN: dsn})
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() { _ = client.Close() })

	primary, err := client.Primary()
	require.NoError(t, err)
	require.NoError(t, pgclient.NewMigrator(primary, log.NewNop()).Up(ctx, Migrations()))

	store, err := NewStore(client)
	require.NoError(t, err)

	return store, client
}

func TestIntegration_OutboxedBusRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	bus, err := messagebus.NewOutboxedBus(store)
	require.NoError(t, err)

	batch := messagebus.NewEntityChangedBatchEvent([]int64{1, 2}, []messagebus.EntityChangedEvent{
		{EventID: "e-1", EntityType: "Goal", EntityID: "g-1", Operation: "Updated"},
	}, time.Now(), "corr")

	require.NoError(t, bus.Publish(ctx, "embeddings-pending", batch))
	require.NoError(t, bus.Publish(ctx, "embeddings-pending", batch))
	require.NoError(t, bus.PublishDelayed(ctx, "signals-batch", messagebus.EntityChangedEvent{EventID: "e-2"}, time.Hour))

	leased, err := store.LeaseDue(ctx, "fwd-1", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, leased, 1, "duplicates are dropped and delayed messages are not due")

	msg, err := messagebus.Decode(leased[0].Envelope)
	require.NoError(t, err)
	assert.Equal(t, batch.BatchID, msg.(messagebus.EntityChangedBatchEvent).BatchID)

	require.ErrorIs(t, store.MarkSent(ctx, "other", leased[0].ID), messagebus.ErrLeaseLost)
	require.NoError(t, store.MarkSent(ctx, "fwd-1", leased[0].ID))

	again, err := store.LeaseDue(ctx, "fwd-1", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIntegration_EnqueueJoinsCallerTransaction(t *testing.T) {
	store, client := setupStore(t)
	ctx := context.Background()

	primary, err := client.Primary()
	require.NoError(t, err)

	bus, err := messagebus.NewOutboxedBus(store)
	require.NoError(t, err)

	tx, err := primary.BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(pipeline.ContextWithTx(ctx, tx), "q", messagebus.EntityChangedEvent{EventID: "e-1"}))
	require.NoError(t, tx.Rollback())

	leased, err := store.LeaseDue(ctx, "fwd-1", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestIntegration_RescheduleAndDeadLetter(t *testing.T) {
	store, client := setupStore(t)
	ctx := context.Background()

	env, err := messagebus.NewEnvelope(ctx, "signals-urgent", messagebus.EntityChangedEvent{EventID: "e-1"}, nil, time.Now())
	require.NoError(t, err)

	inserted, err := store.Enqueue(ctx, nil, env)
	require.NoError(t, err)
	require.True(t, inserted)

	leased, err := store.LeaseDue(ctx, "fwd-1", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	id := leased[0].ID

	require.NoError(t, store.Reschedule(ctx, "fwd-1", id, time.Now().Add(time.Hour), 1,
		"dial postgres://app:hunter2@db:5432/app: refused"))
	require.ErrorIs(t, store.Reschedule(ctx, "fwd-1", id, time.Now(), 1, "x"), messagebus.ErrLeaseLost,
		"the lease is released by the first reschedule")

	none, err := store.LeaseDue(ctx, "fwd-1", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, none, "rescheduled message is not due yet")

	primary, err := client.Primary()
	require.NoError(t, err)

	var lastError string
	require.NoError(t, primary.QueryRowContext(ctx, "SELECT last_error FROM bus_messages WHERE id = $1", id).Scan(&lastError))
	assert.NotContains(t, lastError, "hunter2")

	_, err = primary.ExecContext(ctx, "UPDATE bus_messages SET deliver_at = NOW() - INTERVAL '1 second' WHERE id = $1", id)
	require.NoError(t, err)

	leased, err = store.LeaseDue(ctx, "fwd-2", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 1, leased[0].Attempts)

	require.NoError(t, store.MarkDead(ctx, "fwd-2", id, 2, "still refused"))

	counts, err := store.CountDeadByQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"signals-urgent": 1}, counts)
}

func TestIntegration_ArchiveSentBounds(t *testing.T) {
	store, client := setupStore(t)
	ctx := context.Background()

	var ids []int64

	for i := range 3 {
		env, err := messagebus.NewEnvelope(ctx, "signals-batch",
			messagebus.EntityChangedEvent{EventID: "e-" + string(rune('a'+i))}, nil, time.Now())
		require.NoError(t, err)

		_, err = store.Enqueue(ctx, nil, env)
		require.NoError(t, err)
	}

	leased, err := store.LeaseDue(ctx, "fwd-1", time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, leased, 3)

	for _, msg := range leased {
		ids = append(ids, msg.ID)
	}

	require.NoError(t, store.MarkSent(ctx, "fwd-1", ids[0]))
	require.NoError(t, store.MarkSent(ctx, "fwd-1", ids[1]))
	require.NoError(t, store.MarkDead(ctx, "fwd-1", ids[2], 3, "refused"))

	primary, err := client.Primary()
	require.NoError(t, err)

	_, err = primary.ExecContext(ctx, "UPDATE bus_messages SET sent_at = NOW() - INTERVAL '8 days' WHERE status = 'sent'")
	require.NoError(t, err)

	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	removed, err := store.ArchiveSent(ctx, cutoff, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = store.ArchiveSent(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var remaining int
	require.NoError(t, primary.QueryRowContext(ctx, "SELECT COUNT(*) FROM bus_messages").Scan(&remaining))
	assert.Equal(t, 1, remaining, "dead messages are kept for replay")
}
