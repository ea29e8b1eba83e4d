package mvcc

import "fmt"

// Coordinator identifies the elected version coordinator.
//
// Two identities are equal when their coordinator versions are equal. The
// version strictly increases with every election, so it alone distinguishes a
// re-elected node from its previous term.
type Coordinator struct {
	Node            NodeID `msgpack:"n" json:"node_id"`
	Version         uint64 `msgpack:"v" json:"version"`
	TopologyVersion uint64 `msgpack:"t" json:"topology_version"`
}

// Equal compares coordinators by coordinator version.
func (c Coordinator) Equal(other Coordinator) bool {
	return c.Version == other.Version
}

// IsZero reports whether no coordinator is set.
func (c Coordinator) IsZero() bool {
	return c.Version == 0
}

func (c Coordinator) String() string {
	return fmt.Sprintf("coordinator[node=%d, ver=%d, topVer=%d]", c.Node, c.Version, c.TopologyVersion)
}
