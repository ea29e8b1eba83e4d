package coordinator

import (
	"sort"
	"sync"

	"github.com/maxpert/mvccoord/cluster"
	"github.com/maxpert/mvccoord/mvcc"
)

const historySize = 64

// Elect picks the coordinator for top. The current coordinator keeps its term
// while it is a live server; otherwise the live server with the lowest ID is
// elected with the topology version as its coordinator version. The zero
// Coordinator means no server is available.
func Elect(current mvcc.Coordinator, top cluster.Topology) mvcc.Coordinator {
	if !current.IsZero() {
		if m, ok := top.Member(current.Node); ok && m.Role == cluster.RoleServer {
			return current
		}
	}

	servers := top.Servers()
	if len(servers) == 0 {
		return mvcc.Coordinator{}
	}
	return mvcc.Coordinator{
		Node:            servers[0].ID,
		Version:         top.Version,
		TopologyVersion: top.Version,
	}
}

// history remembers which coordinator was current at each topology version.
type history struct {
	mu      sync.RWMutex
	entries []historyEntry // ascending topology version
}

type historyEntry struct {
	topVer uint64
	crd    mvcc.Coordinator
}

// record notes that crd is current from topVer on.
func (h *history) record(topVer uint64, crd mvcc.Coordinator) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 && h.entries[n-1].topVer >= topVer {
		h.entries[n-1].crd = crd
		return
	}
	h.entries = append(h.entries, historyEntry{topVer: topVer, crd: crd})
	if len(h.entries) > historySize {
		h.entries = append(h.entries[:0], h.entries[len(h.entries)-historySize:]...)
	}
}

// at returns the coordinator that was current at topVer.
func (h *history) at(topVer uint64) (mvcc.Coordinator, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i := sort.Search(len(h.entries), func(i int) bool { return h.entries[i].topVer > topVer })
	if i == 0 {
		return mvcc.Coordinator{}, false
	}
	crd := h.entries[i-1].crd
	return crd, !crd.IsZero()
}

func sortNodeIDs(ids []mvcc.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
