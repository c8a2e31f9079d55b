//go:build unit

package domainevent

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox"
	"github.com/hunterwebapps/mastery-sub005/pipeline/outbox/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type named string

func (n named) EventName() string { return string(n) }

type habit struct {
	AggregateRoot
	ID string
}

func TestDispatcher_PublishesInTrackingAndRaiseOrder(t *testing.T) {
	t.Parallel()

	var seen []string

	registry := NewRegistry()
	require.NoError(t, registry.RegisterAll(func(_ context.Context, e Event) error {
		seen = append(seen, e.EventName())

		return nil
	}))

	d, err := NewDispatcher(registry)
	require.NoError(t, err)

	a, b := &habit{ID: "h-1"}, &habit{ID: "h-2"}
	a.Raise(named("a1"))
	b.Raise(named("b1"))
	a.Raise(named("a2"))

	uow := NewUnitOfWork()
	uow.Track(a, b)

	result, err := d.Dispatch(context.Background(), uow)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "b1"}, seen)
	assert.Equal(t, DispatchResult{Iterations: 1, Published: 3}, result)
	assert.Empty(t, a.DomainEvents())
	assert.Empty(t, b.DomainEvents())
}

func TestDispatcher_FollowsCascades(t *testing.T) {
	t.Parallel()

	goal, habitEntity := &habit{ID: "g-1"}, &habit{ID: "h-1"}

	registry := NewRegistry()
	require.NoError(t, registry.Register("HabitCompleted", func(context.Context, Event) error {
		goal.Raise(named("GoalProgressed"))

		return nil
	}))
	require.NoError(t, registry.Register("GoalProgressed", func(context.Context, Event) error {
		goal.Raise(named("GoalCompleted"))

		return nil
	}))

	d, err := NewDispatcher(registry)
	require.NoError(t, err)

	habitEntity.Raise(named("HabitCompleted"))

	uow := NewUnitOfWork()
	uow.Track(habitEntity, goal)

	result, err := d.Dispatch(context.Background(), uow)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, result.Published)
	assert.False(t, result.CapReached)
}

func TestDispatcher_CapAtTenIterationsLogsError(t *testing.T) {
	t.Parallel()

	entity := &habit{ID: "h-1"}
	publishes := 0

	registry := NewRegistry()
	require.NoError(t, registry.Register("Ping", func(context.Context, Event) error {
		publishes++
		entity.Raise(named("Ping"))

		return nil
	}))

	logger := log.NewMemory(log.LevelDebug)
	reader := sdkmetric.NewManualReader()

	d, err := NewDispatcher(registry,
		WithLogger(logger),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)
	require.NoError(t, err)

	entity.Raise(named("Ping"))

	uow := NewUnitOfWork()
	uow.Track(entity)

	result, err := d.Dispatch(context.Background(), uow)
	require.NoError(t, err)

	assert.Equal(t, MaxIterations, result.Iterations)
	assert.Equal(t, 10, publishes)
	assert.True(t, result.CapReached)
	assert.Equal(t, 1, result.Pending)

	errs := logger.EntriesAt(log.LevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, "domain event dispatch reached iteration cap", errs[0].Message)
	assert.Equal(t, 1, errs[0].Fields["pending"])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}

func TestDispatcher_ExactlyTenIterationsIsNotCapped(t *testing.T) {
	t.Parallel()

	entity := &habit{ID: "h-1"}
	remaining := 9

	registry := NewRegistry()
	require.NoError(t, registry.Register("Step", func(context.Context, Event) error {
		if remaining > 0 {
			remaining--
			entity.Raise(named("Step"))
		}

		return nil
	}))

	logger := log.NewMemory(log.LevelDebug)
	d, err := NewDispatcher(registry, WithLogger(logger))
	require.NoError(t, err)

	entity.Raise(named("Step"))

	uow := NewUnitOfWork()
	uow.Track(entity)

	result, err := d.Dispatch(context.Background(), uow)
	require.NoError(t, err)
	assert.Equal(t, 10, result.Iterations)
	assert.False(t, result.CapReached)
	assert.Empty(t, logger.EntriesAt(log.LevelError))
}

func TestDispatcher_HandlerErrorAborts(t *testing.T) {
	t.Parallel()

	boom := errors.New("habit streak overflow")

	registry := NewRegistry()
	require.NoError(t, registry.Register("A", func(context.Context, Event) error { return boom }))

	d, err := NewDispatcher(registry)
	require.NoError(t, err)

	entity := &habit{}
	entity.Raise(named("A"))
	entity.Raise(named("B"))

	uow := NewUnitOfWork()
	uow.Track(entity)

	result, err := d.Dispatch(context.Background(), uow)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, result.Published)

	_, err = d.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnitOfWorkNil)
}

func TestRegistry_Validation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	assert.ErrorIs(t, r.Register(" ", func(context.Context, Event) error { return nil }), ErrEventNameRequired)
	assert.ErrorIs(t, r.Register("A", nil), ErrHandlerRequired)
	assert.ErrorIs(t, r.RegisterAll(nil), ErrHandlerRequired)
	assert.ErrorIs(t, r.Publish(context.Background(), nil), ErrEventRequired)

	var typedNil *nilEvent
	assert.ErrorIs(t, r.Publish(context.Background(), typedNil), ErrEventRequired)

	_, err := NewDispatcher(nil)
	assert.ErrorIs(t, err, ErrPublisherRequired)
}

func TestOutboxRecorder_WritesChangeEventsInTransaction(t *testing.T) {
	t.Parallel()

	repo := memory.New()
	recorder, err := NewOutboxRecorder(repo)
	require.NoError(t, err)

	registry := NewRegistry()
	require.NoError(t, registry.RegisterAll(recorder.Handle))

	d, err := NewDispatcher(registry)
	require.NoError(t, err)

	user := "u-1"
	entity := &habit{ID: "h-1"}
	entity.Raise(EntityChanged{Name: "HabitUpdated", EntityType: "Habit", EntityID: "h-1", Operation: outbox.OperationUpdated, UserID: &user})
	entity.Raise(named("HabitViewed"))

	uow := NewUnitOfWork()
	uow.Track(entity)

	ctx := ContextWithTx(context.Background(), new(sql.Tx))

	_, err = d.Dispatch(ctx, uow)
	require.NoError(t, err)
	require.Equal(t, 1, repo.Len())

	e, ok := repo.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Habit", e.EntityType)
	assert.Equal(t, outbox.OperationUpdated, e.Operation)
	assert.Equal(t, outbox.StatusPending, e.Status)
	assert.Equal(t, "u-1", *e.UserID)
}

func TestOutboxRecorder_RequiresTransaction(t *testing.T) {
	t.Parallel()

	recorder, err := NewOutboxRecorder(memory.New())
	require.NoError(t, err)

	err = recorder.Handle(context.Background(), EntityChanged{Name: "TaskCreated", EntityType: "Task", EntityID: "t-1", Operation: outbox.OperationCreated})
	assert.ErrorIs(t, err, outbox.ErrTransactionRequired)

	ctx := ContextWithTx(context.Background(), new(sql.Tx))
	err = recorder.Handle(ctx, EntityChanged{Name: "TaskCreated", EntityType: "Task", Operation: outbox.OperationCreated})
	assert.ErrorIs(t, err, outbox.ErrEntityIDRequired)

	_, err = NewOutboxRecorder(nil)
	assert.ErrorIs(t, err, ErrRecorderRequired)
}

type nilEvent struct{}

func (*nilEvent) EventName() string { return "NilEvent" }
