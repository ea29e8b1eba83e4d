package coordinator

import (
	"testing"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noTerm() *term { return nil }

func TestParking_TakeReturnsArrivalOrder(t *testing.T) {
	p := newParking(8, 0)
	assert.Nil(t, p.park(2, protocol.TxCounterRequest{FutureID: 1}, noTerm))
	assert.Nil(t, p.park(3, protocol.QueryCounterRequest{FutureID: 2}, noTerm))
	assert.Equal(t, 2, p.size())

	taken := p.take()
	require.Len(t, taken, 2)
	assert.Equal(t, mvcc.NodeID(2), taken[0].from)
	assert.Equal(t, protocol.QueryCounterRequest{FutureID: 2}, taken[1].msg)
	assert.Zero(t, p.size())
}

func TestParking_ReadyTermIsNotParked(t *testing.T) {
	p := newParking(8, 0)
	live := &term{crd: mvcc.Coordinator{Node: 1, Version: 3}}

	got := p.park(2, protocol.TxAckRequest{Counter: 4}, func() *term { return live })
	assert.Same(t, live, got)
	assert.Zero(t, p.size())
}

func TestParking_OverflowDropsOldest(t *testing.T) {
	p := newParking(2, 0)
	p.park(2, protocol.TxCounterRequest{FutureID: 1}, noTerm)
	p.park(2, protocol.TxCounterRequest{FutureID: 2}, noTerm)
	p.park(2, protocol.TxCounterRequest{FutureID: 3}, noTerm)

	taken := p.take()
	require.Len(t, taken, 2)
	assert.Equal(t, protocol.TxCounterRequest{FutureID: 2}, taken[0].msg)
	assert.Equal(t, protocol.TxCounterRequest{FutureID: 3}, taken[1].msg)
}

func TestParking_ExpiresAfterTimeout(t *testing.T) {
	p := newParking(8, 20*time.Millisecond)
	p.park(2, protocol.TxCounterRequest{FutureID: 1}, noTerm)

	require.Eventually(t, func() bool { return p.size() == 0 }, waitFor, tick)
	assert.Empty(t, p.take())
}

func TestParking_UnboundedWithoutTimeout(t *testing.T) {
	p := newParking(8, 0)
	p.park(2, protocol.TxCounterRequest{FutureID: 1}, noTerm)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.size())
}

func TestParking_DropFromDepartedSender(t *testing.T) {
	p := newParking(8, 0)
	p.park(2, protocol.TxCounterRequest{FutureID: 1}, noTerm)
	p.park(3, protocol.TxCounterRequest{FutureID: 2}, noTerm)
	p.park(2, protocol.WaitTxsRequest{FutureID: 3, Counters: []uint64{4}}, noTerm)

	assert.Equal(t, 2, p.dropFrom(2))
	assert.Zero(t, p.dropFrom(9))

	taken := p.take()
	require.Len(t, taken, 1)
	assert.Equal(t, mvcc.NodeID(3), taken[0].from)
}
