package cluster

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/maxpert/mvccoord/encoding"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/rs/zerolog/log"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddress   string
	BindPort      int
	SeedNodes     []string
	ProbeInterval time.Duration
}

// Gossip discovers members with memberlist and feeds join/leave events into a
// Registry. Node metadata carries the Member record.
type Gossip struct {
	local    Member
	registry *Registry
	ml       *memberlist.Memberlist
}

// NewGossip starts memberlist and joins the seed nodes.
func NewGossip(cfg GossipConfig, registry *Registry, local Member) (*Gossip, error) {
	g := &Gossip{
		local:    local,
		registry: registry,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = strconv.FormatUint(uint64(local.ID), 10)
	mlConfig.BindAddr = cfg.BindAddress
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{gossip: g}
	mlConfig.LogOutput = log.Logger.With().Str("component", "memberlist").Logger()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.ml = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			log.Warn().Err(err).Strs("seeds", cfg.SeedNodes).Msg("Failed to join some seed nodes")
		} else {
			log.Info().Int("contacted", n).Msg("Joined cluster via seed nodes")
		}
	}

	return g, nil
}

// NodeMeta implements memberlist.Delegate
func (g *Gossip) NodeMeta(limit int) []byte {
	data, err := encoding.Marshal(&g.local)
	if err != nil || len(data) > limit {
		log.Error().Err(err).Int("limit", limit).Msg("Failed to build gossip node meta")
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *Gossip) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *Gossip) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}

// BroadcastImmediate pushes local metadata to peers.
func (g *Gossip) BroadcastImmediate() {
	if g.ml == nil {
		return
	}
	if err := g.ml.UpdateNode(time.Second); err != nil {
		log.Warn().Err(err).Msg("Failed to broadcast gossip update")
	}
}

// Shutdown leaves the cluster gracefully and stops memberlist.
func (g *Gossip) Shutdown() error {
	if g.ml == nil {
		return nil
	}
	if err := g.ml.Leave(time.Second); err != nil {
		log.Warn().Err(err).Msg("Failed to leave gossip cluster")
	}
	return g.ml.Shutdown()
}

func decodeMember(node *memberlist.Node) (Member, bool) {
	var m Member
	if len(node.Meta) == 0 {
		return m, false
	}
	if err := encoding.Unmarshal(node.Meta, &m); err != nil {
		log.Warn().Err(err).Str("node", node.Name).Msg("Failed to decode gossip node meta")
		return m, false
	}
	return m, m.ID != 0
}

// gossipEvents handles memberlist events
type gossipEvents struct {
	gossip *Gossip
}

// NotifyJoin is called when a node joins
func (d *gossipEvents) NotifyJoin(node *memberlist.Node) {
	telemetry.GossipEventsTotal.With("join").Inc()
	if m, ok := decodeMember(node); ok {
		d.gossip.registry.Join(m)
	}
}

// NotifyLeave is called when a node leaves
func (d *gossipEvents) NotifyLeave(node *memberlist.Node) {
	telemetry.GossipEventsTotal.With("leave").Inc()
	if m, ok := decodeMember(node); ok {
		d.gossip.registry.Leave(m.ID)
		return
	}
	if id, err := strconv.ParseUint(node.Name, 10, 64); err == nil {
		d.gossip.registry.Leave(mvcc.NodeID(id))
	}
}

// NotifyUpdate is called when a node is updated
func (d *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	telemetry.GossipEventsTotal.With("update").Inc()
	if m, ok := decodeMember(node); ok {
		d.gossip.registry.Join(m)
	}
}
