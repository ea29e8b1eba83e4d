package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/mvccoord/cfg"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/transport"
)

func init() {
	transport.Register(string(cfg.TransportGRPC), func(opts transport.Options) (transport.Transport, error) {
		c := opts.Config
		return NewTransport(
			ServerConfig{
				NodeID:  opts.LocalID,
				Address: c.Cluster.GRPCBindAddress,
				Port:    c.Cluster.GRPCPort,
				Secret:  c.Cluster.ClusterSecret,
				HTTP:    opts.HTTP,
			},
			ClientConfig{
				LocalID:          opts.LocalID,
				Secret:           c.Cluster.ClusterSecret,
				KeepaliveTime:    time.Duration(c.GRPCClient.KeepaliveTimeSeconds) * time.Second,
				KeepaliveTimeout: time.Duration(c.GRPCClient.KeepaliveTimeoutSeconds) * time.Second,
				SendTimeout:      time.Duration(c.GRPCClient.SendTimeoutMS) * time.Millisecond,
			},
			opts.Resolver,
		)
	})
}

// Transport sends frames as unary Deliver calls to the advertised gRPC address
// of each peer.
type Transport struct {
	server   *Server
	client   *Client
	resolver transport.Resolver
}

// NewTransport wires a server and client. resolver maps peers to addresses.
func NewTransport(server ServerConfig, client ClientConfig, resolver transport.Resolver) (*Transport, error) {
	if resolver == nil {
		return nil, fmt.Errorf("grpc transport requires a resolver")
	}
	return &Transport{
		server:   NewServer(server),
		client:   NewClient(client),
		resolver: resolver,
	}, nil
}

// Start implements transport.Transport.
func (t *Transport) Start(handler transport.Handler) error {
	return t.server.Start(handler)
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, to mvcc.NodeID, data []byte) error {
	address, ok := t.resolver.Address(to)
	if !ok || address == "" {
		return fmt.Errorf("node %d: %w", to, protocol.ErrNodeLeft)
	}
	return t.client.Send(ctx, to, address, data)
}

// Forget implements transport.Forgetter.
func (t *Transport) Forget(id mvcc.NodeID) {
	t.client.Disconnect(id)
}

// Server returns the underlying server.
func (t *Transport) Server() *Server {
	return t.server
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.server.Stop()
	return t.client.Close()
}
