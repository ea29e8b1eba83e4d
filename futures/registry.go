package futures

import (
	"github.com/maxpert/mvccoord/id"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
)

// AckKind tags ack futures for statistics.
type AckKind uint8

const (
	AckCommit AckKind = iota
	AckWaitTxs
)

func (k AckKind) String() string {
	switch k {
	case AckCommit:
		return "commit_ack"
	case AckWaitTxs:
		return "wait_txs_ack"
	default:
		return "ack"
	}
}

const versionKind = "version"

// VersionRequest is an outstanding counter request.
type VersionRequest struct {
	*Pending[mvcc.Snapshot]
	ID     uint64
	Target mvcc.NodeID
}

// AckRequest is an outstanding request answered by a GenericAck.
type AckRequest struct {
	*Pending[struct{}]
	ID     uint64
	Target mvcc.NodeID
	Kind   AckKind
}

// Registry is the requester-side correlation table. Entries are inserted before
// the outbound message is sent and removed exactly once, by whichever of the
// response, the node-left event or the send failure gets there first.
type Registry struct {
	ids      id.Generator
	versions *xsync.MapOf[uint64, *VersionRequest]
	acks     *xsync.MapOf[uint64, *AckRequest]
}

// NewRegistry creates a registry drawing request ids from ids.
func NewRegistry(ids id.Generator) *Registry {
	if ids == nil {
		ids = id.NewSequenceGenerator(0)
	}
	return &Registry{
		ids:      ids,
		versions: xsync.NewMapOf[uint64, *VersionRequest](),
		acks:     xsync.NewMapOf[uint64, *AckRequest](),
	}
}

// NewVersionRequest registers a version future addressed to target.
func (r *Registry) NewVersionRequest(target mvcc.NodeID) *VersionRequest {
	req := &VersionRequest{
		Pending: NewPending[mvcc.Snapshot](),
		ID:      r.ids.NextID(),
		Target:  target,
	}
	r.versions.Store(req.ID, req)
	telemetry.PendingFutures.With(versionKind).Inc()
	return req
}

// ResolveVersion completes the version future id. False when id is unknown or
// already resolved, which makes duplicate responses harmless.
func (r *Registry) ResolveVersion(id uint64, snap mvcc.Snapshot) bool {
	req, ok := r.versions.LoadAndDelete(id)
	if !ok {
		return false
	}
	observe(versionKind, "resolved", req.Pending.Age().Seconds())
	return req.Resolve(snap)
}

// FailVersion fails the version future id with err.
func (r *Registry) FailVersion(id uint64, err error) bool {
	req, ok := r.versions.LoadAndDelete(id)
	if !ok {
		return false
	}
	observe(versionKind, "failed", req.Pending.Age().Seconds())
	return req.Fail(err)
}

// NewAck registers an ack future addressed to target.
func (r *Registry) NewAck(target mvcc.NodeID, kind AckKind) *AckRequest {
	req := &AckRequest{
		Pending: NewPending[struct{}](),
		ID:      r.ids.NextID(),
		Target:  target,
		Kind:    kind,
	}
	r.acks.Store(req.ID, req)
	telemetry.PendingFutures.With(kind.String()).Inc()
	return req
}

// ResolveAck completes the ack future id.
func (r *Registry) ResolveAck(id uint64) bool {
	return r.finishAck(id, nil, "resolved")
}

// SucceedAck completes the ack future id without a response, because there is
// nothing left to acknowledge.
func (r *Registry) SucceedAck(id uint64) bool {
	return r.finishAck(id, nil, "vacuous")
}

// FailAck fails the ack future id with err.
func (r *Registry) FailAck(id uint64, err error) bool {
	return r.finishAck(id, err, "failed")
}

func (r *Registry) finishAck(id uint64, err error, outcome string) bool {
	req, ok := r.acks.LoadAndDelete(id)
	if !ok {
		return false
	}
	observe(req.Kind.String(), outcome, req.Pending.Age().Seconds())
	if err != nil {
		return req.Fail(err)
	}
	return req.Resolve(struct{}{})
}

// OnNodeLeft resolves every future addressed to node: version futures fail with
// a CoordinatorLeftError, ack futures succeed vacuously. Returns the number of
// futures resolved by this call.
func (r *Registry) OnNodeLeft(node mvcc.NodeID) int {
	resolved := 0

	r.versions.Range(func(id uint64, req *VersionRequest) bool {
		if req.Target == node && r.FailVersion(id, &protocol.CoordinatorLeftError{Node: node, FutureID: id}) {
			resolved++
		}
		return true
	})

	r.acks.Range(func(id uint64, req *AckRequest) bool {
		if req.Target == node && r.SucceedAck(id) {
			resolved++
		}
		return true
	})

	return resolved
}

// Pending returns the number of registered futures by family.
func (r *Registry) Pending() (versions, acks int) {
	return r.versions.Size(), r.acks.Size()
}

func observe(kind, outcome string, seconds float64) {
	telemetry.PendingFutures.With(kind).Dec()
	telemetry.FuturesTotal.With(kind, outcome).Inc()
	telemetry.FutureLatencySeconds.With(kind).Observe(seconds)
}
