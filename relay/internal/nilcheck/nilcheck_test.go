//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type publisher interface {
	Publish() error
}

type brokerPublisher struct{}

func (*brokerPublisher) Publish() error { return nil }

func TestInterface(t *testing.T) {
	t.Parallel()

	var (
		nilPointer *brokerPublisher
		nilSlice   []string
		nilMap     map[string]string
		nilChan    chan int
		nilFunc    func()
		typedNil   publisher = nilPointer
	)

	require.True(t, Interface(nil))
	require.True(t, Interface(nilPointer))
	require.True(t, Interface(nilSlice))
	require.True(t, Interface(nilMap))
	require.True(t, Interface(nilChan))
	require.True(t, Interface(nilFunc))
	require.True(t, Interface(typedNil))

	require.False(t, Interface(&brokerPublisher{}))
	require.False(t, Interface("queue"))
	require.False(t, Interface(0))
}

func TestAny(t *testing.T) {
	t.Parallel()

	var nilPointer *brokerPublisher

	require.False(t, Any())
	require.False(t, Any(&brokerPublisher{}, "x"))
	require.True(t, Any(&brokerPublisher{}, nilPointer))
}
