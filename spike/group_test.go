package spike

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroup(t *testing.T) {
	g := NewGroup[string, int]()

	first := make(chan int, 1)
	second := make(chan int, 1)
	other := make(chan int, 1)

	require.True(t, g.Join("1", first))
	require.False(t, g.Join("1", second))
	require.True(t, g.Join("2", other))
	require.Equal(t, 2, g.Len())
	require.True(t, g.InFlight("1"))

	require.Equal(t, 2, g.Deliver("1", 42))
	require.False(t, g.InFlight("1"))
	require.Equal(t, 1, g.Len())

	for _, ch := range []chan int{first, second} {
		v, ok := <-ch
		require.True(t, ok)
		require.Equal(t, 42, v)
		_, ok = <-ch
		require.False(t, ok, "channel must be closed after delivery")
	}

	select {
	case <-other:
		t.Fatal("unrelated key must not be notified")
	default:
	}

	// key is fetched again after delivery
	again := make(chan int, 1)
	require.True(t, g.Join("1", again))
}

func TestGroupDeliverUnknownKey(t *testing.T) {
	g := NewGroup[int, string]()
	require.Equal(t, 0, g.Deliver(7, "nothing"))
	require.Equal(t, 0, g.Len())
}
