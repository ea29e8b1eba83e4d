package coordinator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/rs/zerolog/log"
)

// HandoffStatus is a point-in-time view of PreviousQueries.
type HandoffStatus struct {
	CoordinatorVersion uint64        `json:"coordinator_version"`
	Initialized        bool          `json:"initialized"`
	Done               bool          `json:"done"`
	WaitingOn          []mvcc.NodeID `json:"waiting_on"`
	Outstanding        int           `json:"outstanding"`
}

// PreviousQueries tracks queries opened under earlier coordinators that are
// still running somewhere in the cluster. A new coordinator holds back its
// cleanup watermark until every live peer has reported and every reported query
// has finished.
//
// Reports and query-done notifications may arrive before Init and in any
// order: a done for a query whose report has not been merged yet is kept as a
// negative count and cancels out when the report lands.
type PreviousQueries struct {
	coordinatorVersion uint64
	done               atomic.Bool

	mu          sync.Mutex
	initialized bool
	waitNodes   map[mvcc.NodeID]struct{}
	received    map[mvcc.NodeID]struct{}
	departed    map[mvcc.NodeID]struct{}
	queries     map[mvcc.NodeID]map[mvcc.Version]int
	onDone      []func()
	initAt      time.Time
}

// NewPreviousQueries creates the tracker for the coordinator term cv.
func NewPreviousQueries(cv uint64) *PreviousQueries {
	return &PreviousQueries{
		coordinatorVersion: cv,
		waitNodes:          make(map[mvcc.NodeID]struct{}),
		received:           make(map[mvcc.NodeID]struct{}),
		departed:           make(map[mvcc.NodeID]struct{}),
		queries:            make(map[mvcc.NodeID]map[mvcc.Version]int),
	}
}

// CoordinatorVersion returns the term this tracker belongs to.
func (p *PreviousQueries) CoordinatorVersion() uint64 {
	return p.coordinatorVersion
}

// Init fixes the set of peers that must report. Peers that already reported
// are not waited on.
func (p *PreviousQueries) Init(peers []mvcc.NodeID) {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = true
	p.initAt = time.Now()
	live := make(map[mvcc.NodeID]struct{}, len(peers))
	for _, id := range peers {
		live[id] = struct{}{}
		if _, ok := p.received[id]; ok {
			continue
		}
		if _, ok := p.departed[id]; ok {
			continue
		}
		p.waitNodes[id] = struct{}{}
	}
	// Early reporters that are no longer members cannot close their queries.
	for id := range p.received {
		if _, ok := live[id]; !ok {
			p.departed[id] = struct{}{}
		}
	}
	for id := range p.queries {
		if _, ok := live[id]; !ok {
			p.departed[id] = struct{}{}
		}
	}
	fire := p.evaluateLocked()
	p.mu.Unlock()

	log.Info().
		Uint64("crd_ver", p.coordinatorVersion).
		Int("peers", len(peers)).
		Msg("Previous queries handoff initialized")

	runAll(fire)
}

// OnReport merges the open queries reported by node. Only the first report of
// each node counts.
func (p *PreviousQueries) OnReport(node mvcc.NodeID, queries []protocol.QueryCount) {
	if p.done.Load() {
		return
	}

	p.mu.Lock()
	if _, ok := p.received[node]; ok {
		p.mu.Unlock()
		log.Debug().Uint64("node_id", uint64(node)).Msg("Ignoring repeated previous queries report")
		return
	}
	p.received[node] = struct{}{}
	delete(p.waitNodes, node)

	counts := p.queries[node]
	if counts == nil {
		counts = make(map[mvcc.Version]int, len(queries))
	}
	for _, q := range queries {
		counts[q.Version] += q.Count
	}
	// Whatever is still negative closed a query this report does not carry.
	for v, n := range counts {
		if n <= 0 {
			delete(counts, v)
		}
	}
	p.setCountsLocked(node, counts)
	fire := p.evaluateLocked()
	p.mu.Unlock()

	runAll(fire)
}

// OnQueryDone closes one previous-epoch query of node. Before node has
// reported the count may go negative.
func (p *PreviousQueries) OnQueryDone(node mvcc.NodeID, v mvcc.Version) {
	if p.done.Load() {
		return
	}

	p.mu.Lock()
	counts := p.queries[node]
	_, reported := p.received[node]

	if reported {
		n, ok := counts[v]
		if !ok {
			p.mu.Unlock()
			log.Debug().
				Uint64("node_id", uint64(node)).
				Str("version", v.String()).
				Msg("Query done for an unreported previous query")
			return
		}
		if n-1 == 0 {
			delete(counts, v)
		} else {
			counts[v] = n - 1
		}
	} else {
		if _, waiting := p.waitNodes[node]; p.initialized && !waiting {
			p.mu.Unlock()
			return
		}
		if counts == nil {
			counts = make(map[mvcc.Version]int)
		}
		n := counts[v] - 1
		if n == 0 {
			delete(counts, v)
		} else {
			counts[v] = n
		}
	}
	p.setCountsLocked(node, counts)
	fire := p.evaluateLocked()
	p.mu.Unlock()

	runAll(fire)
}

// OnNodeLeft stops waiting for node. Its outstanding queries stay counted until
// every live peer has reported, then they are dropped.
func (p *PreviousQueries) OnNodeLeft(node mvcc.NodeID) {
	if p.done.Load() {
		return
	}

	p.mu.Lock()
	p.departed[node] = struct{}{}
	delete(p.waitNodes, node)
	fire := p.evaluateLocked()
	p.mu.Unlock()

	runAll(fire)
}

// OnDone registers fn to run once all previous queries are done.
func (p *PreviousQueries) OnDone(fn func()) {
	p.mu.Lock()
	if !p.done.Load() {
		p.onDone = append(p.onDone, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// PreviousQueriesDone implements ledger.HandoffGate.
func (p *PreviousQueries) PreviousQueriesDone() bool {
	return p.done.Load()
}

// Outstanding returns the number of previous-epoch queries still open.
func (p *PreviousQueries) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstandingLocked()
}

// Status returns a point-in-time view.
func (p *PreviousQueries) Status() HandoffStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiting := make([]mvcc.NodeID, 0, len(p.waitNodes))
	for id := range p.waitNodes {
		waiting = append(waiting, id)
	}
	sortNodeIDs(waiting)

	return HandoffStatus{
		CoordinatorVersion: p.coordinatorVersion,
		Initialized:        p.initialized,
		Done:               p.done.Load(),
		WaitingOn:          waiting,
		Outstanding:        p.outstandingLocked(),
	}
}

func (p *PreviousQueries) setCountsLocked(node mvcc.NodeID, counts map[mvcc.Version]int) {
	if len(counts) == 0 {
		delete(p.queries, node)
		return
	}
	p.queries[node] = counts
}

func (p *PreviousQueries) outstandingLocked() int {
	total := 0
	for _, counts := range p.queries {
		for _, n := range counts {
			if n > 0 {
				total += n
			}
		}
	}
	return total
}

// evaluateLocked flips done when appropriate and returns the callbacks to run
// outside the lock.
func (p *PreviousQueries) evaluateLocked() []func() {
	telemetry.HandoffWaitNodes.Set(float64(len(p.waitNodes)))

	if !p.initialized || len(p.waitNodes) > 0 || p.done.Load() {
		telemetry.HandoffOutstandingQueries.Set(float64(p.outstandingLocked()))
		return nil
	}

	for node := range p.departed {
		delete(p.queries, node)
	}
	telemetry.HandoffOutstandingQueries.Set(float64(p.outstandingLocked()))
	if len(p.queries) > 0 {
		return nil
	}

	p.done.Store(true)
	telemetry.HandoffDurationSeconds.Observe(time.Since(p.initAt).Seconds())
	log.Info().
		Uint64("crd_ver", p.coordinatorVersion).
		Dur("elapsed", time.Since(p.initAt)).
		Msg("All previous queries done")

	fire := p.onDone
	p.onDone = nil
	return fire
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
