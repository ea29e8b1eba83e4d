// Package cluster tracks membership: which nodes are alive, under which
// topology version, and which of them may coordinate.
package cluster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/rs/zerolog/log"
)

// MembershipView is the registry surface the HTTP handlers need
type MembershipView interface {
	Current() Topology
	Removed() []mvcc.NodeID
	MarkRemoved(id mvcc.NodeID) error
	AllowRejoin(id mvcc.NodeID) error
}

// GossipProtocol interface for gossip operations
type GossipProtocol interface {
	BroadcastImmediate()
}

// ClusterManager handles cluster membership operations
type ClusterManager struct {
	registry MembershipView
	gossip   GossipProtocol
	nodeID   mvcc.NodeID
}

// NewClusterManager creates a new cluster manager. gossip may be nil.
func NewClusterManager(registry MembershipView, gossip GossipProtocol, nodeID mvcc.NodeID) *ClusterManager {
	return &ClusterManager{
		registry: registry,
		gossip:   gossip,
		nodeID:   nodeID,
	}
}

// HandleMembers handles GET /cluster/members
func (cm *ClusterManager) HandleMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	top := cm.registry.Current()

	response := map[string]interface{}{
		"members":          top.Members,
		"topology_version": top.Version,
		"server_count":     len(top.Servers()),
		"removed":          cm.registry.Removed(),
		"local_node_id":    cm.nodeID,
	}

	writeJSON(w, response, "members")
}

// HandleRemove handles POST /cluster/remove/{node_id}
func (cm *ClusterManager) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeID, err := parseNodeID(r)
	if err != nil {
		http.Error(w, "invalid node_id: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := cm.registry.MarkRemoved(nodeID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Trigger immediate gossip to propagate removal
	if cm.gossip != nil {
		cm.gossip.BroadcastImmediate()
	}

	top := cm.registry.Current()
	response := map[string]interface{}{
		"success":          true,
		"message":          fmt.Sprintf("node %d marked as REMOVED", nodeID),
		"topology_version": top.Version,
		"member_count":     len(top.Members),
	}

	writeJSON(w, response, "remove")
}

// HandleAllow handles POST /cluster/allow/{node_id}
func (cm *ClusterManager) HandleAllow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeID, err := parseNodeID(r)
	if err != nil {
		http.Error(w, "invalid node_id: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := cm.registry.AllowRejoin(nodeID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if cm.gossip != nil {
		cm.gossip.BroadcastImmediate()
	}

	response := map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("node %d allowed to rejoin cluster", nodeID),
	}

	writeJSON(w, response, "allow")
}

// parseNodeID reads the node id from the last path segment
func parseNodeID(r *http.Request) (mvcc.NodeID, error) {
	id, err := strconv.ParseUint(path.Base(r.URL.Path), 10, 64)
	if err != nil {
		return 0, err
	}
	return mvcc.NodeID(id), nil
}

func writeJSON(w http.ResponseWriter, response interface{}, what string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Str("response", what).Msg("Failed to encode cluster response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
