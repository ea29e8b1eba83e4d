package protocol

import (
	"errors"
	"testing"

	"github.com/maxpert/mvccoord/encoding"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_RequiresCoordinatorInit(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTxCounterRequest, true},
		{KindQueryCounterRequest, true},
		{KindTxAckRequest, true},
		{KindQueryAckRequest, false},
		{KindWaitTxsRequest, true},
		{KindVersionResponse, false},
		{KindGenericAck, false},
		{KindPrevQueriesReport, false},
		{KindPrevQueryDone, false},
		{KindPrevQueriesRequest, false},
	}

	for _, tc := range tests {
		t.Run(tc.kind.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.kind.RequiresCoordinatorInit())
		})
	}
}

func TestEncodeDecode_PreservesEnvelopeAndPayload(t *testing.T) {
	resp := VersionResponse{FutureID: 42, CoordinatorVersion: 7, Counter: 3, ActiveTxs: []uint64{1, 3}, Cleanup: 1}

	data, err := Encode(9, 100, resp)
	require.NoError(t, err)

	env, msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, mvcc.NodeID(9), env.From)
	assert.Equal(t, uint64(100), env.Seq)
	assert.Equal(t, KindVersionResponse, env.Kind)

	got, ok := msg.(VersionResponse)
	require.True(t, ok, "decoded message must be a value, got %T", msg)
	assert.Equal(t, resp, got)
	assert.Equal(t, mvcc.Version{CoordinatorVersion: 7, Counter: 3}, got.Snapshot().Version)
}

func TestEncodeDecode_FireAndForget(t *testing.T) {
	data, err := Encode(1, 1, TxAckRequest{FutureID: NoFuture, Counter: 5, SkipResponse: true})
	require.NoError(t, err)

	_, msg, err := Decode(data)
	require.NoError(t, err)

	ack := msg.(TxAckRequest)
	assert.True(t, ack.SkipResponse)
	assert.Equal(t, NoFuture, ack.FutureID)
}

func TestEncodeDecode_LargeActiveListCompressed(t *testing.T) {
	active := make([]uint64, 4096)
	for i := range active {
		active[i] = uint64(i + 2)
	}
	req := WaitTxsRequest{FutureID: 11, Counters: active}

	SetCompressThreshold(encoding.DefaultCompressThreshold)
	data, err := Encode(3, 1, req)
	require.NoError(t, err)

	env, msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), env.Payload[0], "large payload should be zstd framed")
	assert.Equal(t, req, msg)
}

func TestEncodeDecode_HandoffMessages(t *testing.T) {
	report := PrevQueriesReport{
		CoordinatorVersion: 8,
		Queries: []QueryCount{
			{Version: mvcc.Version{CoordinatorVersion: 7, Counter: 3}, Count: 2},
			{Version: mvcc.Version{CoordinatorVersion: 7, Counter: 5}, Count: 1},
		},
	}

	messages := []Message{
		PrevQueriesRequest{CoordinatorVersion: 8},
		report,
		PrevQueryDone{CoordinatorVersion: 8, Query: mvcc.Version{CoordinatorVersion: 7, Counter: 3}},
		QueryAckRequest{CoordinatorVersion: 8, Counter: 4},
	}
	for _, m := range messages {
		data, err := Encode(2, 5, m)
		require.NoError(t, err)
		_, msg, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, m, msg)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	payload, err := encoding.Compress([]byte{0x80}, 0)
	require.NoError(t, err)
	data, err := encoding.Marshal(&Envelope{From: 1, Seq: 1, Kind: Kind(200), Payload: payload})
	require.NoError(t, err)

	_, _, err = Decode(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestErrors_Wrapping(t *testing.T) {
	left := &CoordinatorLeftError{Node: 4, FutureID: 9}
	assert.True(t, errors.Is(left, ErrCoordinatorLeft))

	send := &SendError{Node: 4, Kind: KindTxAckRequest, Err: ErrNodeLeft}
	assert.True(t, IsNodeLeft(send))
	assert.Contains(t, send.Error(), "tx_ack_request")

	v := Violation("counter %d released but never pinned", 12)
	assert.True(t, errors.Is(v, ErrProtocolViolation))
	assert.Contains(t, v.Error(), "12")
}
