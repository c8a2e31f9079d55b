//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type publisher interface {
	Publish()
}

type fakePublisher struct{}

func (*fakePublisher) Publish() {}

func TestInterface(t *testing.T) {
	t.Parallel()

	var (
		nilPublisher publisher
		typedNil     *fakePublisher
		nilMap       map[string]int
		nilFunc      func()
	)

	require.True(t, Interface(nil))
	require.True(t, Interface(nilPublisher))
	require.True(t, Interface(publisher(typedNil)))
	require.True(t, Interface(nilMap))
	require.True(t, Interface(nilFunc))

	require.False(t, Interface(&fakePublisher{}))
	require.False(t, Interface(42))
	require.False(t, Interface(""))
	require.False(t, Interface([]int{}))
}
