// Package ledger is the coordinator-resident version ledger. It assigns counters
// to transactions and queries, tracks which of them are still live and derives
// the committed and cleanup watermarks.
//
// There is no lock over the ledger. The counter and the watermarks are atomics
// advanced by CAS loops; the live sets are concurrent maps whose entries are
// created and removed with per-key atomic operations. Every retry loop below
// states why it terminates.
package ledger

import (
	"sync/atomic"

	"github.com/maxpert/mvccoord/futures"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultStart is the initial value of the counter and the committed watermark.
// The first transaction counter is DefaultStart+1 and a query issued before any
// commit gets DefaultStart, which is never the CounterNA sentinel.
const DefaultStart uint64 = 1

// HandoffGate reports whether every query opened under a previous coordinator has
// finished. Until it does the ledger reports no cleanup watermark.
type HandoffGate interface {
	PreviousQueriesDone() bool
}

// Stats is a point-in-time view of the ledger.
type Stats struct {
	CoordinatorVersion uint64 `json:"coordinator_version"`
	Counter            uint64 `json:"counter"`
	Committed          uint64 `json:"committed"`
	Cleanup            uint64 `json:"cleanup"`
	ActiveTxs          int    `json:"active_txs"`
	QueryPins          int    `json:"query_pins"`
	PendingWaits       int    `json:"pending_waits"`
}

// Ledger is built fresh for every coordinator term and discarded on demotion.
type Ledger struct {
	crdVer      atomic.Uint64
	counter     atomic.Uint64
	committed   atomic.Uint64
	lastCleanup atomic.Uint64

	activeTxs     *xsync.MapOf[uint64, mvcc.TxID]
	activeQueries *xsync.MapOf[uint64, *refcount]
	waitTxs       *xsync.MapOf[uint64, *futures.Pending[struct{}]]

	gate HandoffGate
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStart sets the initial counter and committed watermark.
func WithStart(start uint64) Option {
	return func(l *Ledger) {
		l.counter.Store(start)
		l.committed.Store(start)
	}
}

// WithHandoffGate makes cleanup watermarks wait for gate.
func WithHandoffGate(gate HandoffGate) Option {
	return func(l *Ledger) {
		l.gate = gate
	}
}

// New creates an uninitialized ledger. Init must be called before assigning.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		activeTxs:     xsync.NewMapOf[uint64, mvcc.TxID](),
		activeQueries: xsync.NewMapOf[uint64, *refcount](),
		waitTxs:       xsync.NewMapOf[uint64, *futures.Pending[struct{}]](),
	}
	l.counter.Store(DefaultStart)
	l.committed.Store(DefaultStart)

	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init sets the coordinator version stamped on every assigned version.
func (l *Ledger) Init(coordinatorVersion uint64) {
	if coordinatorVersion == 0 {
		panic(protocol.Violation("coordinator version must not be zero"))
	}
	l.crdVer.Store(coordinatorVersion)
}

// CoordinatorVersion returns the version set by Init, or zero.
func (l *Ledger) CoordinatorVersion() uint64 {
	return l.crdVer.Load()
}

func (l *Ledger) mustCoordinatorVersion() uint64 {
	cv := l.crdVer.Load()
	if cv == 0 {
		panic(protocol.Violation("ledger used before coordinator init"))
	}
	return cv
}

// AssignTxCounter assigns the next counter to txID. The returned snapshot lists
// the counters that were active just before this one was added.
func (l *Ledger) AssignTxCounter(txID mvcc.TxID) mvcc.Snapshot {
	cv := l.mustCoordinatorVersion()

	next := l.counter.Add(1)
	active := l.activeCounters()

	if _, loaded := l.activeTxs.LoadOrStore(next, txID); loaded {
		panic(protocol.Violation("counter %d assigned twice", next))
	}

	telemetry.CountersAssignedTotal.With("tx").Inc()

	return mvcc.Snapshot{
		Version:   mvcc.Version{CoordinatorVersion: cv, Counter: next},
		ActiveTxs: active,
		Cleanup:   l.CleanupWatermark(),
	}
}

// AssignQueryCounter returns a snapshot version for a query and pins the query's
// track counter so cleanup cannot pass it.
//
// The snapshot is the committed watermark. The pin is placed at the minimum of
// that and every active transaction counter, then the watermark is re-read: if it
// moved, a transaction completed while active counters were being collected, so
// the pin is dropped and the read repeated. Each retry is caused by a completion
// that happened during the previous attempt, so with a bounded number of
// concurrent completions the loop ends after a bounded number of attempts.
func (l *Ledger) AssignQueryCounter() mvcc.Snapshot {
	cv := l.mustCoordinatorVersion()

	for {
		candidate := l.committed.Load()

		track := candidate
		active := make([]uint64, 0, l.activeTxs.Size())
		l.activeTxs.Range(func(c uint64, _ mvcc.TxID) bool {
			if c < track {
				track = c
			}
			active = append(active, c)
			return true
		})

		l.pin(track)

		if l.committed.Load() == candidate {
			telemetry.CountersAssignedTotal.With("query").Inc()
			return mvcc.Snapshot{
				Version:   mvcc.Version{CoordinatorVersion: cv, Counter: candidate},
				ActiveTxs: mvcc.SortCounters(active),
				Cleanup:   mvcc.CounterNA,
			}
		}

		l.unpin(track)
		telemetry.QueryAssignRetriesTotal.Inc()
	}
}

// ReleaseQuery drops one pin at track. Releasing a counter that holds no pin is
// a protocol violation and panics.
func (l *Ledger) ReleaseQuery(track uint64) {
	l.unpin(track)
	telemetry.QueryReleasedTotal.Inc()
}

// CompleteTransaction removes counter from the active set, advances the committed
// watermark and wakes waiters. Completing a counter that is not active panics.
func (l *Ledger) CompleteTransaction(counter uint64) {
	if _, ok := l.activeTxs.LoadAndDelete(counter); !ok {
		panic(protocol.Violation("transaction counter %d is not active", counter))
	}

	l.advanceCommitted(counter)
	telemetry.TxCompletedTotal.Inc()

	if w, ok := l.waitTxs.LoadAndDelete(counter); ok {
		w.Resolve(struct{}{})
	}
}

// advanceCommitted is set-if-greater. A failed CAS means another completion
// raised the watermark; the loop exits as soon as it is >= counter, which
// happens after at most one retry per concurrent completion.
func (l *Ledger) advanceCommitted(counter uint64) {
	for {
		cur := l.committed.Load()
		if counter <= cur {
			return
		}
		if l.committed.CompareAndSwap(cur, counter) {
			return
		}
	}
}

// WaitForTransactions resolves once none of counters is active.
func (l *Ledger) WaitForTransactions(counters []uint64) *futures.Pending[struct{}] {
	parts := make([]*futures.Pending[struct{}], 0, len(counters))

	for _, c := range counters {
		w, _ := l.waitTxs.LoadOrCompute(c, futures.NewPending[struct{}])

		// Registering before checking closes the window against a concurrent
		// CompleteTransaction.
		if _, active := l.activeTxs.Load(c); !active {
			w.Resolve(struct{}{})
			l.waitTxs.Compute(c, func(old *futures.Pending[struct{}], loaded bool) (*futures.Pending[struct{}], bool) {
				return old, !loaded || old == w
			})
		}

		if _, _, done := w.Result(); !done {
			parts = append(parts, w)
		}
	}

	return futures.Join(parts...)
}

// IsActive reports whether counter belongs to an unfinished transaction.
func (l *Ledger) IsActive(counter uint64) bool {
	_, ok := l.activeTxs.Load(counter)
	return ok
}

// CleanupWatermark returns the counter below which row versions may be
// reclaimed: the minimum of committed-1, every active transaction counter and
// every pinned query counter. It is CounterNA while the handoff gate is closed.
func (l *Ledger) CleanupWatermark() uint64 {
	if l.gate != nil && !l.gate.PreviousQueriesDone() {
		return mvcc.CounterNA
	}

	cleanup := mvcc.CounterNA
	if committed := l.committed.Load(); committed > 0 {
		cleanup = committed - 1
	}

	l.activeTxs.Range(func(c uint64, _ mvcc.TxID) bool {
		if c < cleanup {
			cleanup = c
		}
		return true
	})
	l.activeQueries.Range(func(c uint64, _ *refcount) bool {
		if c < cleanup {
			cleanup = c
		}
		return true
	})

	l.lastCleanup.Store(cleanup)
	return cleanup
}

// Stats returns a point-in-time view. Fields are read independently.
func (l *Ledger) Stats() Stats {
	return Stats{
		CoordinatorVersion: l.crdVer.Load(),
		Counter:            l.counter.Load(),
		Committed:          l.committed.Load(),
		Cleanup:            l.lastCleanup.Load(),
		ActiveTxs:          l.activeTxs.Size(),
		QueryPins:          l.activeQueries.Size(),
		PendingWaits:       l.waitTxs.Size(),
	}
}

// QueryPins returns the pin count at track.
func (l *Ledger) QueryPins(track uint64) int {
	rc, ok := l.activeQueries.Load(track)
	if !ok {
		return 0
	}
	return int(rc.n.Load())
}

func (l *Ledger) activeCounters() []uint64 {
	active := make([]uint64, 0, l.activeTxs.Size())
	l.activeTxs.Range(func(c uint64, _ mvcc.TxID) bool {
		active = append(active, c)
		return true
	})
	return mvcc.SortCounters(active)
}

// DumpStatistics logs the ledger state at info level.
func (l *Ledger) DumpStatistics() {
	s := l.Stats()
	log.Info().
		Uint64("crd_ver", s.CoordinatorVersion).
		Uint64("counter", s.Counter).
		Uint64("committed", s.Committed).
		Uint64("cleanup", s.Cleanup).
		Int("active_txs", s.ActiveTxs).
		Int("query_pins", s.QueryPins).
		Int("pending_waits", s.PendingWaits).
		Msg("Version ledger statistics")
}
