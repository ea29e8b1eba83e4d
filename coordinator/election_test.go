package coordinator

import (
	"testing"

	"github.com/maxpert/mvccoord/cluster"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/stretchr/testify/assert"
)

func topology(version uint64, members ...cluster.Member) cluster.Topology {
	return cluster.Topology{Version: version, Members: members}
}

func server(id mvcc.NodeID) cluster.Member {
	return cluster.Member{ID: id, Role: cluster.RoleServer}
}

func client(id mvcc.NodeID) cluster.Member {
	return cluster.Member{ID: id, Role: cluster.RoleClient}
}

func TestElect(t *testing.T) {
	tests := []struct {
		name    string
		current mvcc.Coordinator
		top     cluster.Topology
		want    mvcc.Coordinator
	}{
		{
			name: "lowest server wins",
			top:  topology(4, client(1), server(2), server(3)),
			want: mvcc.Coordinator{Node: 2, Version: 4, TopologyVersion: 4},
		},
		{
			name:    "live coordinator keeps its term",
			current: mvcc.Coordinator{Node: 3, Version: 2, TopologyVersion: 2},
			top:     topology(5, server(1), server(3)),
			want:    mvcc.Coordinator{Node: 3, Version: 2, TopologyVersion: 2},
		},
		{
			name:    "departed coordinator is replaced",
			current: mvcc.Coordinator{Node: 1, Version: 2, TopologyVersion: 2},
			top:     topology(6, server(2), server(3)),
			want:    mvcc.Coordinator{Node: 2, Version: 6, TopologyVersion: 6},
		},
		{
			name:    "coordinator that became a client is replaced",
			current: mvcc.Coordinator{Node: 1, Version: 2, TopologyVersion: 2},
			top:     topology(3, client(1), server(4)),
			want:    mvcc.Coordinator{Node: 4, Version: 3, TopologyVersion: 3},
		},
		{
			name: "no server",
			top:  topology(2, client(1), client(2)),
			want: mvcc.Coordinator{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Elect(tt.current, tt.top)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHistory_At(t *testing.T) {
	var h history
	c1 := mvcc.Coordinator{Node: 1, Version: 3, TopologyVersion: 3}
	c2 := mvcc.Coordinator{Node: 2, Version: 7, TopologyVersion: 7}

	_, ok := h.at(3)
	assert.False(t, ok)

	h.record(3, c1)
	h.record(7, c2)
	h.record(9, mvcc.Coordinator{})

	_, ok = h.at(2)
	assert.False(t, ok, "before the first election")

	got, ok := h.at(3)
	assert.True(t, ok)
	assert.Equal(t, c1, got)

	got, ok = h.at(6)
	assert.True(t, ok)
	assert.Equal(t, c1, got)

	got, ok = h.at(8)
	assert.True(t, ok)
	assert.Equal(t, c2, got)

	_, ok = h.at(10)
	assert.False(t, ok, "unassigned from version 9 on")
}

func TestHistory_Bounded(t *testing.T) {
	var h history
	for v := uint64(1); v <= historySize+10; v++ {
		h.record(v, mvcc.Coordinator{Node: 1, Version: v, TopologyVersion: v})
	}

	assert.Len(t, h.entries, historySize)
	_, ok := h.at(5)
	assert.False(t, ok, "oldest entries are evicted")

	got, ok := h.at(historySize + 10)
	assert.True(t, ok)
	assert.Equal(t, uint64(historySize+10), got.Version)
}
