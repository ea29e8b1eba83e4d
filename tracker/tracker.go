// Package tracker acquires and releases query snapshots on behalf of one read
// operation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/mvccoord/coordinator"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/rs/zerolog/log"
)

// Coordinators is the coordinator view a tracker needs. *coordinator.Service
// implements it.
type Coordinators interface {
	CoordinatorFor(topVer uint64) (mvcc.Coordinator, bool)
	CurrentCoordinator() (mvcc.Coordinator, bool)
	RequestQueryCounter(ctx context.Context, crd mvcc.Coordinator) (mvcc.Snapshot, error)
	AckQueryDone(crd mvcc.Coordinator, snap mvcc.Snapshot)
	WaitForTopology(ctx context.Context, after uint64) (uint64, error)
	Subscribe(l coordinator.Listener) func()
}

// State of a tracker
type State uint8

const (
	Unassigned State = iota
	Assigned
	Released
)

func (s State) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case Assigned:
		return "assigned"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// QueryTracker holds at most one snapshot. It moves from Unassigned to Assigned
// on a successful RequestVersion and to Released on OnQueryDone.
type QueryTracker struct {
	coords   Coordinators
	canRemap bool

	mu          sync.Mutex
	state       State
	crd         *mvcc.Coordinator // release target; nil means re-resolve
	snap        mvcc.Snapshot
	unsubscribe func()
}

// New creates a tracker. With canRemap the tracker follows coordinator changes
// instead of failing.
func New(coords Coordinators, canRemap bool) *QueryTracker {
	return &QueryTracker{coords: coords, canRemap: canRemap}
}

// RequestVersion acquires a snapshot from the coordinator of topology topVer.
func (t *QueryTracker) RequestVersion(ctx context.Context, topVer uint64) (mvcc.Snapshot, error) {
	t.mu.Lock()
	switch t.state {
	case Assigned:
		snap := t.snap
		t.mu.Unlock()
		return snap, nil
	case Released:
		t.mu.Unlock()
		return mvcc.Snapshot{}, ErrReleased
	}
	if t.unsubscribe == nil {
		t.unsubscribe = t.coords.Subscribe(t)
	}
	t.mu.Unlock()

	snap, err := t.acquire(ctx, topVer)
	if err != nil {
		telemetry.TrackerRequestsTotal.With(resultLabel(err)).Inc()
		t.stopFollowing()
		return mvcc.Snapshot{}, err
	}
	telemetry.TrackerRequestsTotal.With("assigned").Inc()
	return snap, nil
}

func (t *QueryTracker) acquire(ctx context.Context, topVer uint64) (mvcc.Snapshot, error) {
	for {
		crd, ok := t.coords.CoordinatorFor(topVer)
		if !ok {
			return mvcc.Snapshot{}, fmt.Errorf("topology %d: %w", topVer, protocol.ErrCoordinatorNotAssigned)
		}
		t.bind(crd)

		if cur, ok := t.coords.CurrentCoordinator(); !ok || !cur.Equal(crd) {
			// An election is in flight for a newer topology.
			if !t.canRemap {
				return mvcc.Snapshot{}, fmt.Errorf("topology %d, %s: %w", topVer, crd, protocol.ErrCoordinatorChanged)
			}
			next, err := t.remap(ctx, topVer)
			if err != nil {
				return mvcc.Snapshot{}, err
			}
			topVer = next
			continue
		}

		snap, err := t.coords.RequestQueryCounter(ctx, crd)
		switch {
		case err == nil:
			if t.assign(snap) {
				return snap, nil
			}
			// The coordinator changed while the request was in flight.
			t.releaseOrphan(crd, snap)
		case errors.Is(err, protocol.ErrCoordinatorLeft):
			log.Debug().Err(err).Uint64("top_ver", topVer).Msg("Coordinator failed during snapshot request")
		default:
			return mvcc.Snapshot{}, err
		}

		if !t.canRemap {
			return mvcc.Snapshot{}, fmt.Errorf("topology %d, %s: %w", topVer, crd, protocol.ErrCoordinatorLeft)
		}
		next, err := t.remap(ctx, topVer)
		if err != nil {
			return mvcc.Snapshot{}, err
		}
		topVer = next
	}
}

func (t *QueryTracker) remap(ctx context.Context, topVer uint64) (uint64, error) {
	telemetry.TrackerRemapsTotal.Inc()
	next, err := t.coords.WaitForTopology(ctx, topVer)
	if err != nil {
		return 0, err
	}
	log.Debug().Uint64("from", topVer).Uint64("to", next).Msg("Remapping query snapshot request")
	return next, nil
}

func (t *QueryTracker) bind(crd mvcc.Coordinator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.crd = &crd
}

// assign stores snap unless the coordinator reference was cleared meanwhile.
func (t *QueryTracker) assign(snap mvcc.Snapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.crd == nil {
		return false
	}
	t.snap = snap
	t.state = Assigned
	return true
}

// releaseOrphan hands back a snapshot nobody will use. The current coordinator
// is told when there is one, since it may already count the snapshot as a
// previous-epoch query.
func (t *QueryTracker) releaseOrphan(issuer mvcc.Coordinator, snap mvcc.Snapshot) {
	target := issuer
	if cur, ok := t.coords.CurrentCoordinator(); ok {
		target = cur
	}
	t.coords.AckQueryDone(target, snap)
}

// OnCoordinatorChange implements coordinator.Listener. A held snapshot is
// rebound to crd for its release; otherwise the next RequestVersion re-resolves.
func (t *QueryTracker) OnCoordinatorChange(crd mvcc.Coordinator) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.state == Assigned:
		if !crd.IsZero() {
			t.crd = &crd
		}
	case t.state == Unassigned && t.crd != nil:
		t.crd = nil
	}
}

// OnQueryDone releases the held snapshot to the coordinator it is bound to.
// Without a snapshot it is a no-op.
func (t *QueryTracker) OnQueryDone() {
	t.mu.Lock()
	if t.state != Assigned {
		t.mu.Unlock()
		return
	}
	crd, snap := *t.crd, t.snap
	t.state = Released
	t.crd = nil
	t.snap = mvcc.Snapshot{}
	t.mu.Unlock()

	t.stopFollowing()
	t.coords.AckQueryDone(crd, snap)
}

// Version returns the held snapshot.
func (t *QueryTracker) Version() (mvcc.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap, t.state == Assigned
}

// Coordinator returns the coordinator the held snapshot will be released to.
func (t *QueryTracker) Coordinator() (mvcc.Coordinator, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.crd == nil {
		return mvcc.Coordinator{}, false
	}
	return *t.crd, true
}

// State returns the tracker state.
func (t *QueryTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *QueryTracker) stopFollowing() {
	t.mu.Lock()
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, protocol.ErrCoordinatorNotAssigned):
		return "not_assigned"
	case errors.Is(err, protocol.ErrCoordinatorChanged):
		return "changed"
	case errors.Is(err, protocol.ErrCoordinatorLeft):
		return "left"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
