//go:build unit

package messagebus

import (
	"context"
	"testing"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newForwarderFixture(t *testing.T, transport *fakeTransport, opts ...ForwarderOption) (*Forwarder, *OutboxedBus, *MemoryStore, *clock) {
	t.Helper()

	clk := newClock()
	store := NewMemoryStore()
	store.now = clk.Now

	bus, err := NewOutboxedBus(store, WithOutboxedClock(clk.Now))
	require.NoError(t, err)

	opts = append([]ForwarderOption{WithForwarderClock(clk.Now), WithHolder("fwd-1")}, opts...)

	forwarder, err := NewForwarder(store, transport, opts...)
	require.NoError(t, err)

	return forwarder, bus, store, clk
}

func TestNewForwarder_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewForwarder(nil, &fakeTransport{})
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewForwarder(NewMemoryStore(), nil)
	require.ErrorIs(t, err, ErrTransportRequired)
}

func TestForwarder_DefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultForwarderConfig()

	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.RetryInterval)
}

func TestForwarder_SendsOnlyDueMessages(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	forwarder, bus, store, clk := newForwarderFixture(t, transport)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "embeddings-pending", changeBatch(1)))
	require.NoError(t, bus.PublishDelayed(ctx, "signals-batch", changeBatch(2), time.Hour))

	result := forwarder.ForwardOnce(ctx)
	assert.Equal(t, ForwardResult{Leased: 1, Sent: 1}, result)

	clk.Advance(time.Hour)

	result = forwarder.ForwardOnce(ctx)
	assert.Equal(t, ForwardResult{Leased: 1, Sent: 1}, result)

	sent := transport.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "embeddings-pending", sent[0].Queue)
	assert.Equal(t, "signals-batch", sent[1].Queue)

	for _, msg := range store.Messages() {
		assert.Equal(t, MessageSent, msg.Status)
	}
}

func TestForwarder_ReschedulesWithBackoffThenDeadLetters(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failures: -1}
	forwarder, bus, store, clk := newForwarderFixture(t, transport,
		WithRetryInterval(time.Minute), WithMaxAttempts(3))
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "embeddings-pending", changeBatch(1)))

	result := forwarder.ForwardOnce(ctx)
	assert.Equal(t, 1, result.Rescheduled)

	msg := store.Messages()[0]
	assert.Equal(t, MessagePending, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	require.NotNil(t, msg.LastError)
	require.NotNil(t, msg.Envelope.DeliverAt)

	delay := msg.Envelope.DeliverAt.Sub(clk.Now())
	assert.GreaterOrEqual(t, delay, 30*time.Second)
	assert.Less(t, delay, time.Minute)

	assert.Equal(t, ForwardResult{}, forwarder.ForwardOnce(ctx), "not due before the retry delay")

	clk.Advance(time.Minute)

	result = forwarder.ForwardOnce(ctx)
	assert.Equal(t, 1, result.Rescheduled)
	assert.Equal(t, 2, store.Messages()[0].Attempts)

	clk.Advance(2 * time.Minute)

	result = forwarder.ForwardOnce(ctx)
	assert.Equal(t, 1, result.Dead)

	msg = store.Messages()[0]
	assert.Equal(t, MessageDead, msg.Status)
	assert.Equal(t, 3, msg.Attempts)

	counts, err := store.CountDeadByQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"embeddings-pending": 1}, counts)
}

func TestForwarder_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failures: 1}
	forwarder, bus, store, clk := newForwarderFixture(t, transport)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "q", changeBatch(1)))

	forwarder.ForwardOnce(ctx)
	clk.Advance(time.Hour)
	forwarder.ForwardOnce(ctx)

	assert.Len(t, transport.Sent(), 1)
	assert.Equal(t, MessageSent, store.Messages()[0].Status)
}

func TestForwarder_ExpiredSendingLeaseIsReclaimed(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	forwarder, bus, store, clk := newForwarderFixture(t, transport)
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "q", changeBatch(1)))

	_, err := store.LeaseDue(ctx, "crashed", clk.Now().Add(time.Second), 10)
	require.NoError(t, err)

	assert.Equal(t, 0, forwarder.ForwardOnce(ctx).Leased)

	clk.Advance(2 * time.Second)

	assert.Equal(t, 1, forwarder.ForwardOnce(ctx).Sent)
	require.ErrorIs(t, store.MarkSent(ctx, "crashed", 1), ErrLeaseLost)
}

func TestMemoryStore_ArchiveSentBounds(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	forwarder, bus, store, clk := newForwarderFixture(t, transport)
	ctx := context.Background()

	for i := range int64(3) {
		require.NoError(t, bus.Publish(ctx, "signals-batch", changeBatch(i+1)))
	}

	require.NoError(t, bus.PublishDelayed(ctx, "signals-window", changeBatch(9), time.Hour))
	assert.Equal(t, 3, forwarder.ForwardOnce(ctx).Sent)

	clk.Advance(8 * 24 * time.Hour)
	cutoff := clk.Now().Add(-7 * 24 * time.Hour)

	removed, err := store.ArchiveSent(ctx, cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	removed, err = store.ArchiveSent(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	left := store.Messages()
	require.Len(t, left, 1)
	assert.Equal(t, MessagePending, left[0].Status)

	_, err = store.ArchiveSent(ctx, cutoff, 0)
	require.ErrorIs(t, err, ErrBatchSizeInvalid)
}

func TestForwarder_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	forwarder, bus, _, _ := newForwarderFixture(t, &fakeTransport{}, WithForwarderMeterProvider(provider))
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "q", changeBatch(1)))
	require.NoError(t, bus.Publish(ctx, "q", changeBatch(2)))

	forwarder.ForwardOnce(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	var sent int64

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "messagebus.forwarder.sent" {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range sum.DataPoints {
				sent += dp.Value
			}
		}
	}

	assert.Equal(t, int64(2), sent)
}

func TestForwarder_RunStopsOnStop(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	forwarder, bus, _, _ := newForwarderFixture(t, transport, WithPollInterval(10*time.Millisecond))

	require.NoError(t, bus.Publish(context.Background(), "q", changeBatch(1)))

	launcher := pipeline.NewLauncher(pipeline.WithLogger(log.NewNop()))
	done := make(chan error, 1)

	go func() { done <- forwarder.Run(launcher) }()

	require.Eventually(t, func() bool { return len(transport.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, forwarder.Shutdown(shutdownCtx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}
