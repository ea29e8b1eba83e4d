package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	frames []string
	from   []mvcc.NodeID
}

func (c *collector) handle(from mvcc.NodeID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(data))
	c.from = append(c.from, from)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestMemoryTransport_OrderedDelivery(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(1)
	b := net.Endpoint(2)

	var got collector
	require.NoError(t, a.Start(func(mvcc.NodeID, []byte) {}))
	require.NoError(t, b.Start(got.handle))
	defer a.Close()
	defer b.Close()

	want := []string{"one", "two", "three", "four"}
	for _, msg := range want {
		require.NoError(t, a.Send(context.Background(), 2, []byte(msg)))
	}

	assert.Eventually(t, func() bool { return len(got.snapshot()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got.snapshot())
	assert.Equal(t, mvcc.NodeID(1), got.from[0])
}

func TestMemoryTransport_QueuedBeforeStart(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(1)
	b := net.Endpoint(2)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(context.Background(), 2, []byte("early")))
	assert.Equal(t, 1, b.Pending())

	var got collector
	require.NoError(t, b.Start(got.handle))
	assert.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryTransport_UnknownTargetIsNodeLeft(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(1)
	defer a.Close()

	err := a.Send(context.Background(), 9, []byte("x"))
	require.Error(t, err)
	assert.True(t, protocol.IsNodeLeft(err))

	net.Endpoint(9)
	net.Detach(9)
	err = a.Send(context.Background(), 9, []byte("x"))
	assert.True(t, protocol.IsNodeLeft(err))
}

func TestMemoryTransport_Partition(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(1)
	b := net.Endpoint(2)
	defer a.Close()
	defer b.Close()

	net.Partition(1, 2, true)
	assert.ErrorIs(t, a.Send(context.Background(), 2, []byte("x")), ErrPartitioned)
	assert.ErrorIs(t, b.Send(context.Background(), 1, []byte("x")), ErrPartitioned)

	net.Partition(1, 2, false)
	assert.NoError(t, a.Send(context.Background(), 2, []byte("x")))
}

func TestMemoryTransport_Duplicate(t *testing.T) {
	net := NewNetwork()
	net.SetDuplicate(true)
	a := net.Endpoint(1)
	b := net.Endpoint(2)
	defer a.Close()
	defer b.Close()

	var got collector
	require.NoError(t, b.Start(got.handle))
	require.NoError(t, a.Send(context.Background(), 2, []byte("dup")))

	assert.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"dup", "dup"}, got.snapshot())
}

func TestMemoryTransport_Closed(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint(1)
	require.NoError(t, a.Start(func(mvcc.NodeID, []byte) {}))
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Send(context.Background(), 1, []byte("x")), ErrClosed)
	assert.ErrorIs(t, a.Start(func(mvcc.NodeID, []byte) {}), ErrClosed)
}

func TestRegistry_NewMemory(t *testing.T) {
	assert.Contains(t, Registered(), "memory")

	tr, err := New("memory", Options{LocalID: 77})
	require.NoError(t, err)
	defer tr.Close()

	_, err = New("carrier-pigeon", Options{LocalID: 1})
	assert.Error(t, err)
}
