// Package transport moves encoded coordination envelopes between nodes.
//
// A transport delivers opaque byte frames at least once with per-link FIFO
// order. Duplicate suppression and decoding happen above it, in the
// coordinator's dispatcher.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/maxpert/mvccoord/cfg"
	"github.com/maxpert/mvccoord/mvcc"
)

// Handler receives one inbound frame. It must not block for long: transports
// call it from their receive loop.
type Handler func(from mvcc.NodeID, data []byte)

// Transport is a point-to-point message channel between cluster members.
type Transport interface {
	// Start begins delivering inbound frames to handler.
	Start(handler Handler) error
	// Send delivers data to node to. Returns an error wrapping
	// protocol.ErrNodeLeft when the target cannot be resolved.
	Send(ctx context.Context, to mvcc.NodeID, data []byte) error
	Close() error
}

// Resolver maps node IDs to transport addresses.
type Resolver interface {
	Address(id mvcc.NodeID) (string, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(id mvcc.NodeID) (string, bool)

func (f ResolverFunc) Address(id mvcc.NodeID) (string, bool) {
	return f(id)
}

// Options carries what every transport factory needs.
type Options struct {
	LocalID  mvcc.NodeID
	Resolver Resolver
	Config   *cfg.Configuration
	HTTP     http.Handler // Served by transports that own a listener
}

// Forgetter is implemented by transports holding per-peer state that should be
// released when the peer leaves.
type Forgetter interface {
	Forget(id mvcc.NodeID)
}

// Factory creates a transport from options.
type Factory func(opts Options) (Transport, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register makes a transport available by name. Called from init functions.
func Register(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = factory
}

// New creates the transport registered under name.
func New(name string, opts Options) (Transport, error) {
	factoryMu.RLock()
	factory, ok := factories[name]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport type: %s", name)
	}
	if opts.Config == nil {
		opts.Config = cfg.Config
	}
	return factory(opts)
}

// Registered returns the names of all registered transports.
func Registered() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
