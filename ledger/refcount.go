package ledger

import (
	"sync/atomic"

	"github.com/maxpert/mvccoord/protocol"
)

// refcount is the number of live queries pinned at one counter. A refcount that
// reached zero is dead: it is being removed from the map and must not be revived.
type refcount struct {
	n atomic.Int64
}

func newRefcount() *refcount {
	rc := &refcount{}
	rc.n.Store(1)
	return rc
}

// tryIncrement fails only on a dead refcount. A failed CAS means the count
// changed concurrently; every retry re-reads it, and the loop exits either by
// incrementing or by observing zero.
func (rc *refcount) tryIncrement() bool {
	for {
		cur := rc.n.Load()
		if cur <= 0 {
			return false
		}
		if rc.n.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// pin adds one query at counter.
//
// A dead entry found in the map belongs to a release that has not removed it
// yet. pin removes it itself (only if it is still that exact entry) and retries,
// so each retry either inserts a fresh entry or increments a live one; a dead
// entry cannot be observed twice.
func (l *Ledger) pin(counter uint64) {
	for {
		rc, loaded := l.activeQueries.LoadOrStore(counter, newRefcount())
		if !loaded {
			return
		}
		if rc.tryIncrement() {
			return
		}
		l.removeRefcount(counter, rc)
	}
}

// unpin drops one query at counter and removes the entry at zero.
func (l *Ledger) unpin(counter uint64) {
	rc, ok := l.activeQueries.Load(counter)
	if !ok {
		panic(protocol.Violation("query counter %d released but never pinned", counter))
	}

	left := rc.n.Add(-1)
	if left < 0 {
		panic(protocol.Violation("query counter %d released more times than pinned", counter))
	}
	if left == 0 {
		l.removeRefcount(counter, rc)
	}
}

func (l *Ledger) removeRefcount(counter uint64, rc *refcount) {
	l.activeQueries.Compute(counter, func(old *refcount, loaded bool) (*refcount, bool) {
		return old, !loaded || old == rc
	})
}
