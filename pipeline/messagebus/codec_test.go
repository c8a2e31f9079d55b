//go:build unit

package messagebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now()

	_, err := NewEnvelope(ctx, " ", changeBatch(1), nil, now)
	require.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewEnvelope(ctx, "q", nil, nil, now)
	require.ErrorIs(t, err, ErrMessageRequired)

	_, err = NewEnvelope(ctx, "q", RawMessage{}, nil, now)
	require.ErrorIs(t, err, ErrMessageTypeRequired)
}

func TestNewEnvelope_DeliverAt(t *testing.T) {
	t.Parallel()

	now := newClock().Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	env, err := NewEnvelope(context.Background(), "q", changeBatch(1), &past, now)
	require.NoError(t, err)
	assert.Nil(t, env.DeliverAt, "past delivery times mean now")
	assert.False(t, env.Delayed(now))

	env, err = NewEnvelope(context.Background(), "q", changeBatch(1), &future, now)
	require.NoError(t, err)
	require.NotNil(t, env.DeliverAt)
	assert.True(t, env.DeliverAt.Equal(future))
	assert.True(t, env.Delayed(now))
}

func TestEnvelope_DedupKey(t *testing.T) {
	t.Parallel()

	env, err := NewEnvelope(context.Background(), "q", EntityChangedEvent{EventID: "e-1"}, nil, time.Now())
	require.NoError(t, err)

	assert.Empty(t, env.IdempotencyKey)
	assert.Equal(t, env.MessageID, env.DedupKey())

	batch := changeBatch(1, 2)
	env, err = NewEnvelope(context.Background(), "q", batch, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, batch.BatchID, env.DedupKey())
}

func TestDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	batch := changeBatch(4, 5)

	env, err := NewEnvelope(context.Background(), "embeddings-pending", batch, nil, time.Now())
	require.NoError(t, err)

	data, err := MarshalEnvelope(env)
	require.NoError(t, err)

	restored, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	msg, err := Decode(restored)
	require.NoError(t, err)

	decoded, ok := msg.(EntityChangedBatchEvent)
	require.True(t, ok)
	assert.Equal(t, batch.BatchID, decoded.BatchID)
	assert.Len(t, decoded.Events, 2)
	assert.True(t, batch.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecodeOrRaw_DegradesMalformedBody(t *testing.T) {
	t.Parallel()

	env := &Envelope{MessageType: TypeSignalRoutedBatch, Body: []byte(`{"batchId": 42`)}

	msg := DecodeOrRaw(env)

	raw, ok := msg.(RawMessage)
	require.True(t, ok)
	require.Error(t, raw.Err)
	assert.Equal(t, TypeSignalRoutedBatch, raw.MessageType())

	out, err := raw.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"{\"batchId\": 42"`, string(out))
}

func TestDecodeOrRaw_UnknownTypePassesThrough(t *testing.T) {
	t.Parallel()

	env := &Envelope{MessageType: "legacy.event", Body: []byte(`{"a":1}`)}

	raw, ok := DecodeOrRaw(env).(RawMessage)
	require.True(t, ok)
	require.ErrorIs(t, raw.Err, ErrUnknownMessageType)

	out, err := raw.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}
