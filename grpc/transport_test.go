package grpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type received struct {
	mu     sync.Mutex
	from   []mvcc.NodeID
	frames []string
}

func (r *received) handle(from mvcc.NodeID, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = append(r.from, from)
	r.frames = append(r.frames, string(data))
}

func (r *received) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func startServer(t *testing.T, id mvcc.NodeID, secret string, handler transport.Handler) *Server {
	t.Helper()
	s := NewServer(ServerConfig{NodeID: id, Address: "127.0.0.1", Port: 0, Secret: secret})
	require.NoError(t, s.Start(handler))
	t.Cleanup(s.Stop)
	return s
}

func TestTransport_DeliverInOrder(t *testing.T) {
	var got received
	srv := startServer(t, 2, "s3cret", got.handle)
	addr := srv.Addr().String()

	resolver := transport.ResolverFunc(func(id mvcc.NodeID) (string, bool) {
		if id == 2 {
			return addr, true
		}
		return "", false
	})
	tr, err := NewTransport(ServerConfig{}, ClientConfig{LocalID: 1, Secret: "s3cret"}, resolver)
	require.NoError(t, err)
	defer tr.client.Close()

	ctx := context.Background()
	want := []string{"a", "b", "c"}
	for _, msg := range want {
		require.NoError(t, tr.Send(ctx, 2, []byte(msg)))
	}

	assert.Equal(t, want, got.all())
	assert.Equal(t, mvcc.NodeID(1), got.from[0])
	assert.Equal(t, 1, tr.client.Connected())

	tr.Forget(2)
	assert.Equal(t, 0, tr.client.Connected())
}

func TestTransport_UnknownPeer(t *testing.T) {
	resolver := transport.ResolverFunc(func(mvcc.NodeID) (string, bool) { return "", false })
	tr, err := NewTransport(ServerConfig{}, ClientConfig{LocalID: 1}, resolver)
	require.NoError(t, err)

	err = tr.Send(context.Background(), 5, []byte("x"))
	assert.True(t, protocol.IsNodeLeft(err))

	_, err = NewTransport(ServerConfig{}, ClientConfig{}, nil)
	assert.Error(t, err)
}

func TestClusterSecret(t *testing.T) {
	tests := []struct {
		name         string
		serverSecret string
		clientSecret string
		wantCode     codes.Code
	}{
		{"matching secrets succeed", "secret-123", "secret-123", codes.OK},
		{"mismatched secrets fail", "server-secret", "wrong-secret", codes.Unauthenticated},
		{"missing client secret fails", "server-secret", "", codes.Unauthenticated},
		{"auth disabled", "", "anything", codes.OK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got received
			srv := startServer(t, 2, tc.serverSecret, got.handle)

			client := NewClient(ClientConfig{LocalID: 1, Secret: tc.clientSecret, SendTimeout: 2 * time.Second})
			defer client.Close()

			err := client.Send(context.Background(), 2, srv.Addr().String(), []byte("frame"))
			assert.Equal(t, tc.wantCode, status.Code(err))
		})
	}
}

func TestServer_RejectsEmptyFrame(t *testing.T) {
	s := NewServer(ServerConfig{NodeID: 1})
	_, err := s.Deliver(context.Background(), &Frame{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = s.Deliver(context.Background(), &Frame{From: 2, Data: []byte("x")})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestMsgpackCodec(t *testing.T) {
	c := msgpackCodec{}
	data, err := c.Marshal(&Frame{From: 7, Data: []byte("payload")})
	require.NoError(t, err)

	var out Frame
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, uint64(7), out.From)
	assert.Equal(t, "payload", string(out.Data))
	assert.Equal(t, "msgpack", c.Name())
}
