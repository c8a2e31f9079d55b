//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -1))
	assert.Equal(t, 800*time.Millisecond, Exponential(100*time.Millisecond, 3))
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 80))
}

func TestCapped(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Second, Capped(time.Second, 5*time.Second, 10))
	assert.Equal(t, 4*time.Second, Capped(time.Second, 5*time.Second, 2))
	assert.Equal(t, 1024*time.Second, Capped(time.Second, 0, 10))
}

func TestFullJitterBounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for range 100 {
		d := FullJitter(50 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestWait(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wait(context.Background(), 0))
	require.NoError(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Wait(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
