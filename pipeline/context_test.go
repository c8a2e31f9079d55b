//go:build unit

package pipeline

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContext_Defaults(t *testing.T) {
	t.Parallel()

	logger, tracer, correlationID := NewTrackingFromContext(context.Background())

	assert.NotNil(t, logger)
	assert.NotNil(t, tracer)

	_, err := uuid.Parse(correlationID)
	require.NoError(t, err)
}

func TestNewTrackingFromContext_Values(t *testing.T) {
	t.Parallel()

	memory := log.NewMemory(log.LevelDebug)
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx := ContextWithLogger(context.Background(), memory)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithCorrelationID(ctx, "corr-1")

	logger, gotTracer, correlationID := NewTrackingFromContext(ctx)

	assert.Same(t, memory, logger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "corr-1", correlationID)
}

func TestContextWith_DoesNotMutateParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithCorrelationID(context.Background(), "parent")
	_ = ContextWithCorrelationID(parent, "child")

	_, _, correlationID := NewTrackingFromContext(parent)
	assert.Equal(t, "parent", correlationID)
}

func TestTxFromContext(t *testing.T) {
	t.Parallel()

	_, ok := TxFromContext(context.Background())
	assert.False(t, ok)

	_, ok = TxFromContext(ContextWithTx(context.Background(), nil))
	assert.False(t, ok, "nil transactions are not reported")

	tx := new(sql.Tx)
	got, ok := TxFromContext(ContextWithTx(context.Background(), tx))
	require.True(t, ok)
	assert.Same(t, tx, got)
}
