//go:build unit

package redis

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.ErrorIs(t, err, ErrAddressRequired)
}

func TestNew_ConnectsToMiniredis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{Addresses: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	rdb, err := client.Universal()
	require.NoError(t, err)
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())

	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNew_PingFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{Addresses: []string{addr}})
	require.Error(t, err)
}

func TestPassword_Redacted(t *testing.T) {
	t.Parallel()

	cfg := Config{Password: "hunter2"}

	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", cfg, cfg, cfg), "hunter2")

	var nilClient *Client
	_, err := nilClient.Universal()
	require.ErrorIs(t, err, ErrNilClient)
}
