package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/notify"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/rs/zerolog/log"
)

// Role of a member
type Role string

const (
	RoleServer Role = "server" // Eligible as version coordinator
	RoleClient Role = "client"
)

// Member is one node of the cluster
type Member struct {
	ID      mvcc.NodeID `msgpack:"id" json:"node_id"`
	Address string      `msgpack:"addr" json:"address"`
	Role    Role        `msgpack:"role" json:"role"`
}

// Topology is an immutable membership snapshot. Version increases with every
// change.
type Topology struct {
	Version uint64   `json:"version"`
	Members []Member `json:"members"` // sorted by ID
}

// Contains reports whether id is a member.
func (t Topology) Contains(id mvcc.NodeID) bool {
	_, ok := t.Member(id)
	return ok
}

// Member looks up id.
func (t Topology) Member(id mvcc.NodeID) (Member, bool) {
	i := sort.Search(len(t.Members), func(i int) bool { return t.Members[i].ID >= id })
	if i < len(t.Members) && t.Members[i].ID == id {
		return t.Members[i], true
	}
	return Member{}, false
}

// Servers returns the server members in ID order.
func (t Topology) Servers() []Member {
	out := make([]Member, 0, len(t.Members))
	for _, m := range t.Members {
		if m.Role == RoleServer {
			out = append(out, m)
		}
	}
	return out
}

// Peers returns every member except self.
func (t Topology) Peers(self mvcc.NodeID) []mvcc.NodeID {
	out := make([]mvcc.NodeID, 0, len(t.Members))
	for _, m := range t.Members {
		if m.ID != self {
			out = append(out, m.ID)
		}
	}
	return out
}

// TopologyChange describes one membership transition
type TopologyChange struct {
	Topology Topology
	Joined   []Member
	Left     []Member
}

// Registry tracks cluster membership.
//
// Changes are applied and their callbacks delivered one at a time, in topology
// version order. Callbacks run synchronously and must not call back into
// Join/Leave.
type Registry struct {
	localID mvcc.NodeID

	mu      sync.RWMutex
	members map[mvcc.NodeID]Member
	removed map[mvcc.NodeID]bool
	version uint64
	current atomic.Pointer[Topology]

	deliverMu  sync.Mutex
	callbackMu sync.RWMutex
	onNodeLeft []func(Member)
	onChange   []func(TopologyChange)

	hub *notify.Hub[uint64]
}

// NewRegistry creates a registry containing only local at topology version 1.
func NewRegistry(local Member) *Registry {
	r := &Registry{
		localID: local.ID,
		members: map[mvcc.NodeID]Member{local.ID: local},
		removed: make(map[mvcc.NodeID]bool),
		version: 1,
		hub:     notify.NewHub[uint64](),
	}
	r.publishLocked()

	log.Debug().
		Uint64("node_id", uint64(local.ID)).
		Str("address", local.Address).
		Str("role", string(local.Role)).
		Msg("BOOT: Membership registry created")

	return r
}

// LocalID returns the local node ID.
func (r *Registry) LocalID() mvcc.NodeID {
	return r.localID
}

// Current returns the latest topology.
func (r *Registry) Current() Topology {
	return *r.current.Load()
}

// Alive reports whether id is in the current topology.
func (r *Registry) Alive(id mvcc.NodeID) bool {
	return r.Current().Contains(id)
}

// SetOnNodeLeft registers a callback invoked for every departed member.
func (r *Registry) SetOnNodeLeft(fn func(Member)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onNodeLeft = append(r.onNodeLeft, fn)
}

// SetOnTopologyChange registers a callback invoked after every change.
func (r *Registry) SetOnTopologyChange(fn func(TopologyChange)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Join adds or updates a member. Returns false when nothing changed or the node
// was removed by an operator.
func (r *Registry) Join(m Member) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if r.removed[m.ID] {
		r.mu.Unlock()
		log.Debug().Uint64("node_id", uint64(m.ID)).Msg("REGISTRY: Ignoring join of REMOVED node")
		return false
	}
	if existing, ok := r.members[m.ID]; ok && existing == m {
		r.mu.Unlock()
		return false
	}
	r.members[m.ID] = m
	r.version++
	change := TopologyChange{Topology: r.publishLocked(), Joined: []Member{m}}
	r.mu.Unlock()

	log.Info().
		Uint64("node_id", uint64(m.ID)).
		Str("address", m.Address).
		Uint64("top_ver", change.Topology.Version).
		Msg("Node joined")

	r.deliver(change)
	return true
}

// Leave removes a member. The local node never leaves its own registry.
func (r *Registry) Leave(id mvcc.NodeID) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	m, ok := r.members[id]
	if !ok || id == r.localID {
		r.mu.Unlock()
		return false
	}
	delete(r.members, id)
	r.version++
	change := TopologyChange{Topology: r.publishLocked(), Left: []Member{m}}
	r.mu.Unlock()

	log.Info().
		Uint64("node_id", uint64(id)).
		Uint64("top_ver", change.Topology.Version).
		Msg("Node left")

	r.deliver(change)
	return true
}

// MarkRemoved evicts a member and refuses its joins until AllowRejoin.
func (r *Registry) MarkRemoved(id mvcc.NodeID) error {
	if id == r.localID {
		return fmt.Errorf("cannot remove local node %d", id)
	}

	r.mu.Lock()
	_, known := r.members[id]
	if !known && !r.removed[id] {
		r.mu.Unlock()
		return fmt.Errorf("node %d is not a member", id)
	}
	r.removed[id] = true
	r.mu.Unlock()

	r.Leave(id)
	return nil
}

// AllowRejoin lifts a MarkRemoved.
func (r *Registry) AllowRejoin(id mvcc.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.removed[id] {
		return fmt.Errorf("node %d is not removed", id)
	}
	delete(r.removed, id)
	return nil
}

// Removed returns the operator-removed node IDs.
func (r *Registry) Removed() []mvcc.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mvcc.NodeID, 0, len(r.removed))
	for id := range r.removed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WaitForVersion blocks until the topology version is at least v.
func (r *Registry) WaitForVersion(ctx context.Context, v uint64) (Topology, error) {
	signals, cancel := r.hub.Subscribe(func(ver uint64) bool { return ver >= v })
	defer cancel()

	for {
		if top := r.Current(); top.Version >= v {
			return top, nil
		}
		select {
		case <-signals:
		case <-ctx.Done():
			return Topology{}, ctx.Err()
		}
	}
}

func (r *Registry) publishLocked() Topology {
	members := make([]Member, 0, len(r.members))
	roles := map[Role]int{}
	for _, m := range r.members {
		members = append(members, m)
		roles[m.Role]++
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	top := &Topology{Version: r.version, Members: members}
	r.current.Store(top)

	telemetry.TopologyVersion.Set(float64(top.Version))
	telemetry.ClusterNodes.With(string(RoleServer)).Set(float64(roles[RoleServer]))
	telemetry.ClusterNodes.With(string(RoleClient)).Set(float64(roles[RoleClient]))
	return *top
}

func (r *Registry) deliver(change TopologyChange) {
	r.callbackMu.RLock()
	onLeft := r.onNodeLeft
	onChange := r.onChange
	r.callbackMu.RUnlock()

	for _, m := range change.Left {
		for _, fn := range onLeft {
			fn(m)
		}
	}
	for _, fn := range onChange {
		fn(change)
	}

	r.hub.Signal(change.Topology.Version)
}
