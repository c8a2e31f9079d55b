//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hunterwebapps/mastery-sub005/pipeline/messagebus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delivery(ack amqp.Acknowledger, tag uint64, key string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		MessageId:    "m-1",
		Type:         messagebus.TypeEntityChangedBatch,
		Timestamp:    now,
		Body:         []byte(`{}`),
		Headers:      amqp.Table{HeaderIdempotencyKey: key, "traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", "x-retry": int32(1)},
	}
}

func TestEnvelopeFromDelivery(t *testing.T) {
	t.Parallel()

	env := EnvelopeFromDelivery("embeddings-pending", delivery(nil, 1, "batch-9"))

	assert.Equal(t, "embeddings-pending", env.Queue)
	assert.Equal(t, "batch-9", env.IdempotencyKey)
	assert.Equal(t, "batch-9", env.DedupKey())
	assert.Equal(t, messagebus.TypeEntityChangedBatch, env.MessageType)
	assert.Contains(t, env.Headers, "traceparent")
	assert.NotContains(t, env.Headers, HeaderIdempotencyKey)
	assert.NotContains(t, env.Headers, "x-retry")
}

func TestConsumer_AcksSuccessAndDeadLettersFailure(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ack := &fakeAcknowledger{}

	var (
		mu   sync.Mutex
		keys []string
	)

	handler := func(_ context.Context, env *messagebus.Envelope) error {
		mu.Lock()
		keys = append(keys, env.IdempotencyKey)
		mu.Unlock()

		if env.IdempotencyKey == "bad" {
			return errors.New("embedding provider unavailable")
		}

		return nil
	}

	consumer, err := NewConsumer(ch, "embeddings-pending", handler, WithPrefetch(4))
	require.NoError(t, err)

	ch.deliveries <- delivery(ack, 1, "good")
	ch.deliveries <- delivery(ack, 2, "bad")
	close(ch.deliveries)

	require.NoError(t, consumer.Consume(context.Background()))

	assert.Equal(t, 4, ch.qos)
	assert.Equal(t, []string{"good", "bad"}, keys)
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)
	assert.Equal(t, []bool{false}, ack.requeue)
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	consumer, err := NewConsumer(ch, "signals-urgent", func(context.Context, *messagebus.Envelope) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- consumer.Consume(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, *messagebus.Envelope) error { return nil }

	_, err := NewConsumer(nil, "q", handler)
	assert.ErrorIs(t, err, ErrChannelRequired)

	_, err = NewConsumer(newFakeChannel(), " ", handler)
	assert.ErrorIs(t, err, messagebus.ErrQueueRequired)

	_, err = NewConsumer(newFakeChannel(), "q", nil)
	assert.ErrorIs(t, err, messagebus.ErrHandlerRequired)
}

func TestConsumer_PanickingHandlerDeadLetters(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ack := &fakeAcknowledger{}

	consumer, err := NewConsumer(ch, "embeddings-pending", func(context.Context, *messagebus.Envelope) error {
		panic("nil embedding")
	})
	require.NoError(t, err)

	ch.deliveries <- delivery(ack, 7, "batch-7")
	close(ch.deliveries)

	require.NoError(t, consumer.Consume(context.Background()))

	assert.Empty(t, ack.acked)
	assert.Equal(t, []uint64{7}, ack.nacked)
	assert.Equal(t, []bool{false}, ack.requeue)
}
