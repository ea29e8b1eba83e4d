package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/mvccoord/cfg"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/rs/zerolog/log"
)

// ErrPartitioned is returned when a link is cut by Network.Partition.
var ErrPartitioned = errors.New("link partitioned")

// ErrClosed is returned by a closed endpoint.
var ErrClosed = errors.New("transport closed")

// DefaultNetwork backs the "memory" transport factory.
var DefaultNetwork = NewNetwork()

func init() {
	Register(string(cfg.TransportMemory), func(opts Options) (Transport, error) {
		return DefaultNetwork.Endpoint(opts.LocalID), nil
	})
}

type link struct {
	from, to mvcc.NodeID
}

// Network is an in-process message fabric. Every endpoint owns one inbound
// queue drained by a single goroutine, so frames from one sender arrive in
// send order.
type Network struct {
	mu         sync.RWMutex
	endpoints  map[mvcc.NodeID]*MemoryTransport
	partitions map[link]bool
	duplicate  atomic.Bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints:  make(map[mvcc.NodeID]*MemoryTransport),
		partitions: make(map[link]bool),
	}
}

// Endpoint returns the transport for id, creating it on first use.
func (n *Network) Endpoint(id mvcc.NodeID) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[id]; ok && !ep.closed.Load() {
		return ep
	}
	ep := &MemoryTransport{
		network: n,
		id:      id,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	n.endpoints[id] = ep
	return ep
}

// SetDuplicate makes every delivered frame arrive twice.
func (n *Network) SetDuplicate(on bool) {
	n.duplicate.Store(on)
}

// Partition cuts or restores the link between a and b in both directions.
func (n *Network) Partition(a, b mvcc.NodeID, cut bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, l := range []link{{a, b}, {b, a}} {
		if cut {
			n.partitions[l] = true
		} else {
			delete(n.partitions, l)
		}
	}
}

// Detach removes id from the network. Frames addressed to it fail with
// protocol.ErrNodeLeft.
func (n *Network) Detach(id mvcc.NodeID) {
	n.mu.Lock()
	ep, ok := n.endpoints[id]
	delete(n.endpoints, id)
	n.mu.Unlock()

	if ok {
		ep.shutdown()
	}
}

func (n *Network) route(from, to mvcc.NodeID) (*MemoryTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.partitions[link{from, to}] {
		return nil, ErrPartitioned
	}
	ep, ok := n.endpoints[to]
	if !ok || ep.closed.Load() {
		return nil, fmt.Errorf("node %d: %w", to, protocol.ErrNodeLeft)
	}
	return ep, nil
}

type frame struct {
	from mvcc.NodeID
	data []byte
}

// MemoryTransport is one node's attachment to a Network.
type MemoryTransport struct {
	network *Network
	id      mvcc.NodeID

	mu      sync.Mutex
	inbox   []frame
	handler Handler
	wake    chan struct{}

	started  atomic.Bool
	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Start begins delivering to handler. Frames queued before Start are kept.
func (t *MemoryTransport) Start(handler Handler) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("memory transport for node %d already started", t.id)
	}

	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()

	t.wg.Add(1)
	go t.deliverLoop()
	t.signal()
	return nil
}

// Send queues data on the target's inbox. It never blocks.
func (t *MemoryTransport) Send(ctx context.Context, to mvcc.NodeID, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dst, err := t.network.route(t.id, to)
	if err != nil {
		return err
	}

	buf := append([]byte(nil), data...)
	dst.enqueue(frame{from: t.id, data: buf})
	if t.network.duplicate.Load() {
		dst.enqueue(frame{from: t.id, data: buf})
	}
	return nil
}

// Close stops delivery and detaches the endpoint.
func (t *MemoryTransport) Close() error {
	t.network.mu.Lock()
	if t.network.endpoints[t.id] == t {
		delete(t.network.endpoints, t.id)
	}
	t.network.mu.Unlock()

	t.shutdown()
	return nil
}

// Pending returns the number of queued, undelivered frames.
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbox)
}

func (t *MemoryTransport) shutdown() {
	t.stopOnce.Do(func() {
		t.closed.Store(true)
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *MemoryTransport) enqueue(f frame) {
	t.mu.Lock()
	t.inbox = append(t.inbox, f)
	t.mu.Unlock()
	t.signal()
}

func (t *MemoryTransport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *MemoryTransport) deliverLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.wake:
		}

		for {
			t.mu.Lock()
			if len(t.inbox) == 0 {
				t.mu.Unlock()
				break
			}
			f := t.inbox[0]
			t.inbox[0] = frame{}
			t.inbox = t.inbox[1:]
			handler := t.handler
			t.mu.Unlock()

			if t.closed.Load() {
				return
			}
			if handler == nil {
				log.Warn().Uint64("node_id", uint64(t.id)).Msg("Dropping frame, no handler")
				continue
			}
			handler(f.from, f.data)
		}
	}
}
