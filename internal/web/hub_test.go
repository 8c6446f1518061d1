package web

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushNeverWaitsOnAStalledChannel(t *testing.T) {
	h := NewHub()
	// No pump: nothing drains the queue, as with a wedged client.
	ch := newChannel(nil, 2)
	h.channels[7] = ch

	require.NoError(t, h.Push(7, []byte("one")))
	require.NoError(t, h.Push(7, []byte("two")))

	start := time.Now()
	err := h.Push(7, []byte("three"))
	require.ErrorIs(t, err, ErrChannelBusy)
	require.Less(t, time.Since(start), 100*time.Millisecond)

	require.Len(t, ch.out, 2)
}

func TestPushToClosedChannel(t *testing.T) {
	h := NewHub()
	require.ErrorIs(t, h.Push(1, []byte("x")), ErrChannelClosed)

	ch := newChannel(nil, 1)
	h.channels[3] = ch
	h.unregister(3)
	require.ErrorIs(t, h.Push(3, []byte("x")), ErrChannelClosed)
	require.Zero(t, h.Len())

	// closing twice is harmless
	ch.close()
}
