package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientConfig controls outgoing connections.
type ClientConfig struct {
	LocalID          mvcc.NodeID
	Secret           string
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	SendTimeout      time.Duration
}

// peer serializes sends to one node so frames arrive in order.
type peer struct {
	address string
	conn    *grpc.ClientConn
	mu      sync.Mutex
}

// Client manages one connection per peer node
type Client struct {
	config ClientConfig
	peers  map[mvcc.NodeID]*peer
	mu     sync.Mutex
}

// NewClient creates a new gRPC client manager
func NewClient(config ClientConfig) *Client {
	if config.KeepaliveTime == 0 {
		config.KeepaliveTime = 10 * time.Second
	}
	if config.KeepaliveTimeout == 0 {
		config.KeepaliveTimeout = 3 * time.Second
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = 5 * time.Second
	}
	return &Client{
		config: config,
		peers:  make(map[mvcc.NodeID]*peer),
	}
}

func (c *Client) dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.config.KeepaliveTime,
			Timeout:             c.config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxFrameSize),
			grpc.MaxCallSendMsgSize(maxFrameSize),
		),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor(c.config.Secret)),
	}
}

// connect returns the peer for id at address, replacing the connection when
// the node moved.
func (c *Client) connect(id mvcc.NodeID, address string) (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[id]; ok {
		if p.address == address {
			return p, nil
		}
		log.Info().
			Uint64("node_id", uint64(id)).
			Str("old_address", p.address).
			Str("new_address", address).
			Msg("Peer address changed, reconnecting")
		_ = p.conn.Close()
		delete(c.peers, id)
	}

	conn, err := grpc.NewClient(address, c.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to node %d: %w", id, err)
	}
	p := &peer{address: address, conn: conn}
	c.peers[id] = p

	log.Debug().
		Uint64("node_id", uint64(id)).
		Str("address", address).
		Msg("Connection created")
	return p, nil
}

// Send delivers one frame to node id at address.
func (c *Client) Send(ctx context.Context, id mvcc.NodeID, address string, data []byte) error {
	p, err := c.connect(id, address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return deliver(ctx, p.conn, &Frame{From: uint64(c.config.LocalID), Data: data})
}

// Disconnect closes the connection to a peer node
func (c *Client) Disconnect(id mvcc.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers[id]
	if !ok {
		return
	}
	log.Debug().Uint64("node_id", uint64(id)).Msg("Closing connection")
	_ = p.conn.Close()
	delete(c.peers, id)
}

// Close closes all connections
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, p := range c.peers {
		log.Debug().Uint64("node_id", uint64(id)).Msg("Closing connection")
		_ = p.conn.Close()
	}
	c.peers = make(map[mvcc.NodeID]*peer)
	return nil
}

// Connected returns the number of open peer connections.
func (c *Client) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}
