package coordinator

import (
	"sort"
	"sync"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
)

// queryKey identifies the snapshots one coordinator handed out at one version.
type queryKey struct {
	issuer mvcc.NodeID
	v      mvcc.Version
}

// reportTarget is a coordinator term this node reported open queries to.
type reportTarget struct {
	node mvcc.NodeID
	cv   uint64
}

type openEntry struct {
	count int
	// reported holds, per target, how many of these queries the target
	// counted. It never exceeds count.
	reported map[reportTarget]int
}

// openQueries counts the snapshots this node currently holds, so it can tell a
// new coordinator which previous-epoch queries are still running and later
// tell it when each of them finished.
type openQueries struct {
	mu      sync.Mutex
	entries map[queryKey]*openEntry
	targets map[reportTarget]struct{} // every target reported to so far
}

func newOpenQueries() *openQueries {
	return &openQueries{
		entries: make(map[queryKey]*openEntry),
		targets: make(map[reportTarget]struct{}),
	}
}

func (o *openQueries) add(issuer mvcc.NodeID, v mvcc.Version) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := queryKey{issuer: issuer, v: v}
	e := o.entries[key]
	if e == nil {
		e = &openEntry{}
		o.entries[key] = e
	}
	e.count++
}

// release drops one query at v. hint picks the issuer when several
// coordinators handed out the same version. It returns the issuer and the
// targets that counted the query and must hear that it finished. ok is false
// when no query at v is open.
func (o *openQueries) release(v mvcc.Version, hint mvcc.NodeID) (issuer mvcc.NodeID, notify []reportTarget, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key, e := o.findLocked(v, hint)
	if e == nil {
		return 0, nil, false
	}

	e.count--
	for target, n := range e.reported {
		if n <= e.count {
			continue
		}
		notify = append(notify, target)
		if n == 1 {
			delete(e.reported, target)
		} else {
			e.reported[target] = n - 1
		}
	}
	if e.count == 0 {
		delete(o.entries, key)
	}

	sort.Slice(notify, func(i, j int) bool {
		if notify[i].node != notify[j].node {
			return notify[i].node < notify[j].node
		}
		return notify[i].cv < notify[j].cv
	})
	return key.issuer, notify, true
}

func (o *openQueries) findLocked(v mvcc.Version, hint mvcc.NodeID) (queryKey, *openEntry) {
	key := queryKey{issuer: hint, v: v}
	if e, ok := o.entries[key]; ok {
		return key, e
	}
	for k, e := range o.entries {
		if k.v == v {
			return k, e
		}
	}
	return queryKey{}, nil
}

// report lists the open queries target has to wait for and records that
// target counted them. Queries target issued in its own term are skipped. A
// repeated report to the same target repeats what the first one recorded,
// since the target only merges one report per node.
func (o *openQueries) report(target reportTarget) []protocol.QueryCount {
	o.mu.Lock()
	_, repeated := o.targets[target]
	o.targets[target] = struct{}{}

	counts := make(map[mvcc.Version]int)
	for key, e := range o.entries {
		if key.issuer == target.node && key.v.CoordinatorVersion == target.cv {
			continue
		}
		n, ok := e.reported[target]
		if !ok {
			if repeated {
				continue
			}
			if e.reported == nil {
				e.reported = make(map[reportTarget]int)
			}
			n = e.count
			e.reported[target] = n
		}
		counts[key.v] += n
	}
	o.mu.Unlock()

	out := make([]protocol.QueryCount, 0, len(counts))
	for v, n := range counts {
		out = append(out, protocol.QueryCount{Version: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return mvcc.Less(out[i].Version, out[j].Version) })
	return out
}

func (o *openQueries) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	total := 0
	for _, e := range o.entries {
		total += e.count
	}
	return total
}
