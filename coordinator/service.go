// Package coordinator runs the MVCC version coordinator protocol on every node.
//
// Each node elects the coordinator from its membership view. The elected node
// builds a fresh ledger, serves counter requests and asks every peer for the
// snapshots it still holds from earlier terms, so it can tell when it is safe
// to publish cleanup watermarks.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/mvccoord/cfg"
	"github.com/maxpert/mvccoord/cluster"
	"github.com/maxpert/mvccoord/futures"
	"github.com/maxpert/mvccoord/hlc"
	"github.com/maxpert/mvccoord/id"
	"github.com/maxpert/mvccoord/ledger"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/maxpert/mvccoord/telemetry"
	"github.com/maxpert/mvccoord/transport"
	"github.com/rs/zerolog/log"
)

// solicitRetryInterval spaces retries of a failed PrevQueriesRequest.
const solicitRetryInterval = 200 * time.Millisecond

// Membership is the cluster view the service runs on. *cluster.Registry
// implements it.
type Membership interface {
	LocalID() mvcc.NodeID
	Current() cluster.Topology
	Alive(id mvcc.NodeID) bool
	SetOnTopologyChange(fn func(cluster.TopologyChange))
	WaitForVersion(ctx context.Context, v uint64) (cluster.Topology, error)
}

// Listener is told about every coordinator change.
type Listener interface {
	OnCoordinatorChange(crd mvcc.Coordinator)
}

// Config controls message dispatch.
type Config struct {
	WorkerCount     int
	QueueSize       int
	DedupCacheSize  int
	InitWaitTimeout time.Duration // 0 waits until Close
}

// ConfigFrom reads the coordinator section of c.
func ConfigFrom(c *cfg.Configuration) Config {
	return Config{
		WorkerCount:     c.Coordinator.WorkerCount,
		QueueSize:       c.Coordinator.QueueSize,
		DedupCacheSize:  c.Coordinator.DedupCacheSize,
		InitWaitTimeout: time.Duration(c.Coordinator.InitWaitTimeoutMS) * time.Millisecond,
	}
}

// term is the local node's tenure as coordinator.
type term struct {
	crd       mvcc.Coordinator
	ledger    *ledger.Ledger
	handoff   *PreviousQueries
	startedAt time.Time
}

// Service is the per-node coordination endpoint: requester API, coordinator
// message handlers and election.
type Service struct {
	localID   mvcc.NodeID
	config    Config
	members   Membership
	transport transport.Transport
	futures   *futures.Registry
	dispatch  *dispatcher
	seq       id.Generator

	changeMu    sync.Mutex
	lastTopVer  uint64
	lastVersion uint64 // highest coordinator version assigned locally
	current     atomic.Pointer[mvcc.Coordinator]
	history     history

	term    atomic.Pointer[term]
	maxTerm atomic.Uint64 // highest coordinator term seen on any message
	parked  *parking

	open *openQueries

	listenersMu sync.RWMutex
	listeners   map[uint64]Listener
	listenerSeq uint64

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a service. Start wires it to the transport and membership.
func New(members Membership, tr transport.Transport, config Config) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		localID:   members.LocalID(),
		config:    config,
		members:   members,
		transport: tr,
		futures:   futures.NewRegistry(id.NewSequenceGenerator(0)),
		seq:       hlc.NewClock(),
		parked:    newParking(config.WorkerCount*config.QueueSize, config.InitWaitTimeout),
		open:      newOpenQueries(),
		listeners: make(map[uint64]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}

	d, err := newDispatcher(config.WorkerCount, config.QueueSize, config.DedupCacheSize, s.handle)
	if err != nil {
		cancel()
		return nil, err
	}
	s.dispatch = d
	return s, nil
}

// Start begins receiving and runs the first election.
func (s *Service) Start() error {
	s.dispatch.start()
	if err := s.transport.Start(s.dispatch.enqueue); err != nil {
		s.dispatch.stop()
		return err
	}

	s.members.SetOnTopologyChange(s.onTopologyChange)
	s.onTopologyChange(cluster.TopologyChange{Topology: s.members.Current()})

	log.Info().Uint64("node_id", uint64(s.localID)).Msg("Coordinator service started")
	return nil
}

// Close stops the service and its transport.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.dispatch.stop()
		err = s.transport.Close()
	})
	return err
}

// LocalID returns the local node ID.
func (s *Service) LocalID() mvcc.NodeID {
	return s.localID
}

// CurrentCoordinator returns the coordinator of the latest topology.
func (s *Service) CurrentCoordinator() (mvcc.Coordinator, bool) {
	crd := s.current.Load()
	if crd == nil || crd.IsZero() {
		return mvcc.Coordinator{}, false
	}
	return *crd, true
}

// CoordinatorFor returns the coordinator that was current at topVer.
func (s *Service) CoordinatorFor(topVer uint64) (mvcc.Coordinator, bool) {
	return s.history.at(topVer)
}

// TopologyVersion returns the latest topology version.
func (s *Service) TopologyVersion() uint64 {
	return s.members.Current().Version
}

// WaitForTopology blocks until the topology version exceeds after and returns
// the new version.
func (s *Service) WaitForTopology(ctx context.Context, after uint64) (uint64, error) {
	top, err := s.members.WaitForVersion(ctx, after+1)
	if err != nil {
		return 0, err
	}
	return top.Version, nil
}

// Subscribe registers l for coordinator changes. The returned function
// unregisters it.
func (s *Service) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = l
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Service) notifyListeners(crd mvcc.Coordinator) {
	s.listenersMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnCoordinatorChange(crd)
	}
}

func (s *Service) onTopologyChange(change cluster.TopologyChange) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()

	top := change.Topology
	if top.Version <= s.lastTopVer {
		return
	}
	s.lastTopVer = top.Version

	for _, m := range change.Left {
		s.onNodeLeft(m.ID)
	}

	var prev mvcc.Coordinator
	if p := s.current.Load(); p != nil {
		prev = *p
	}
	next := Elect(prev, top)
	if next.Equal(prev) {
		return
	}
	if !next.IsZero() {
		next = s.versioned(next)
	}

	s.current.Store(&next)
	s.history.record(top.Version, next)
	telemetry.CoordinatorElectionsTotal.Inc()
	telemetry.CoordinatorVersion.Set(float64(next.Version))

	log.Info().
		Str("prev", prev.String()).
		Str("next", next.String()).
		Uint64("top_ver", top.Version).
		Msg("MVCC coordinator changed")

	if t := s.term.Load(); t != nil && !t.crd.Equal(next) {
		s.leaveTerm(t)
	}

	switch {
	case next.IsZero():
		log.Warn().Uint64("top_ver", top.Version).Msg("No server node available, MVCC coordinator unassigned")
	case next.Node == s.localID:
		s.enterTerm(next, top)
	}

	s.notifyListeners(next)
}

// versioned assigns the coordinator version of a newly elected coordinator.
// Versions only grow on this node. A term the local node enters is also
// numbered above every term it has seen, so its counters order after theirs.
// Peers learn the real term of a remote coordinator from the versions it
// stamps on responses and handoff requests, never from this local number.
func (s *Service) versioned(crd mvcc.Coordinator) mvcc.Coordinator {
	v := crd.Version
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	if crd.Node == s.localID {
		if seen := s.maxTerm.Load(); v <= seen {
			v = seen + 1
		}
	}
	s.lastVersion = v
	crd.Version = v
	return crd
}

// observeTerm records a coordinator term stamped on an inbound message.
func (s *Service) observeTerm(cv uint64) {
	for {
		seen := s.maxTerm.Load()
		if cv <= seen || s.maxTerm.CompareAndSwap(seen, cv) {
			return
		}
	}
}

func (s *Service) onNodeLeft(node mvcc.NodeID) {
	if n := s.futures.OnNodeLeft(node); n > 0 {
		log.Info().Uint64("node_id", uint64(node)).Int("futures", n).Msg("Resolved futures of departed node")
	}

	if t := s.term.Load(); t != nil {
		t.handoff.OnNodeLeft(node)
	}
	if n := s.parked.dropFrom(node); n > 0 {
		log.Info().Uint64("node_id", uint64(node)).Int("requests", n).Msg("Dropped parked requests of departed node")
	}

	if f, ok := s.transport.(transport.Forgetter); ok {
		f.Forget(node)
	}
}

// enterTerm starts a coordinator term with a fresh ledger, asks every peer for
// the queries it still holds from earlier terms and serves the requests that
// arrived before the term existed.
func (s *Service) enterTerm(crd mvcc.Coordinator, top cluster.Topology) {
	s.observeTerm(crd.Version)

	handoff := NewPreviousQueries(crd.Version)
	l := ledger.New(ledger.WithHandoffGate(handoff))
	l.Init(crd.Version)

	peers := top.Peers(s.localID)
	handoff.OnReport(s.localID, s.open.report(reportTarget{node: s.localID, cv: crd.Version}))
	handoff.Init(peers)

	t := &term{crd: crd, ledger: l, handoff: handoff, startedAt: time.Now()}
	s.term.Store(t)

	handoff.OnDone(func() {
		if cur := s.term.Load(); cur == t {
			log.Info().Uint64("crd_ver", crd.Version).Msg("Cleanup watermark unblocked")
		}
	})

	telemetry.IsCoordinator.Set(1)
	log.Info().
		Uint64("crd_ver", crd.Version).
		Uint64("top_ver", top.Version).
		Int("peers", len(peers)).
		Msg("Local node is now the MVCC coordinator")

	for _, peer := range peers {
		go s.solicitReport(t, peer)
	}
	if parked := s.parked.take(); len(parked) > 0 {
		go s.serveParked(t, parked)
	}
}

func (s *Service) leaveTerm(t *term) {
	s.term.CompareAndSwap(t, nil)

	telemetry.IsCoordinator.Set(0)
	t.ledger.DumpStatistics()
	log.Info().Uint64("crd_ver", t.crd.Version).Msg("Local node is no longer the MVCC coordinator")
}

// solicitReport asks peer for the snapshots it still holds from earlier terms.
// Failed sends are retried until the peer leaves or the term ends; a delivered
// request is answered exactly once.
func (s *Service) solicitReport(t *term, peer mvcc.NodeID) {
	req := protocol.PrevQueriesRequest{CoordinatorVersion: t.crd.Version}
	for {
		err := s.send(s.ctx, peer, req)
		if err == nil || protocol.IsNodeLeft(err) || errors.Is(err, ErrClosed) {
			return
		}
		log.Warn().Err(err).Uint64("node_id", uint64(peer)).Msg("Failed to request previous queries, retrying")

		select {
		case <-time.After(solicitRetryInterval):
		case <-s.ctx.Done():
			return
		}
		if s.term.Load() != t {
			return
		}
	}
}

// reportOpenQueries answers a new coordinator's PrevQueriesRequest with the
// snapshots this node holds from other terms. Every peer answers, even with
// nothing open.
func (s *Service) reportOpenQueries(crd mvcc.NodeID, cv uint64) {
	s.observeTerm(cv)

	report := protocol.PrevQueriesReport{
		CoordinatorVersion: cv,
		Queries:            s.open.report(reportTarget{node: crd, cv: cv}),
	}
	if err := s.send(s.ctx, crd, report); err != nil {
		log.Warn().Err(err).Uint64("node_id", uint64(crd)).Msg("Failed to report open queries to new coordinator")
		return
	}
	log.Debug().
		Uint64("node_id", uint64(crd)).
		Uint64("crd_ver", cv).
		Int("queries", len(report.Queries)).
		Msg("Reported open queries to new coordinator")
}

// handoffFor returns the handoff of the local term cv, nil when this node does
// not run that term.
func (s *Service) handoffFor(cv uint64) *PreviousQueries {
	if t := s.term.Load(); t != nil && t.crd.Version == cv {
		return t.handoff
	}
	return nil
}

// serveParked handles, in arrival order, the requests that waited for t.
func (s *Service) serveParked(t *term, parked []parkedRequest) {
	for _, r := range parked {
		telemetry.InitGateWaitSeconds.Observe(time.Since(r.parkedAt).Seconds())
		func() {
			defer s.recoverViolation(r.from, r.msg)
			s.handleRequest(t, r.from, r.msg)
		}()
	}
	log.Debug().Int("requests", len(parked)).Uint64("crd_ver", t.crd.Version).Msg("Served requests parked before coordinator init")
}

// send delivers msg to node to. Messages to the local node are handled inline.
func (s *Service) send(ctx context.Context, to mvcc.NodeID, msg protocol.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	kind := msg.Kind()

	if to == s.localID {
		telemetry.MessagesTotal.With(kind.String(), "sent").Inc()
		s.handle(to, msg)
		return nil
	}

	if !s.members.Alive(to) {
		telemetry.SendFailuresTotal.With(kind.String(), "node_left").Inc()
		return &protocol.SendError{Node: to, Kind: kind, Err: protocol.ErrNodeLeft}
	}

	data, err := protocol.Encode(s.localID, s.seq.NextID(), msg)
	if err != nil {
		return &protocol.SendError{Node: to, Kind: kind, Err: err}
	}

	if err := s.transport.Send(ctx, to, data); err != nil {
		reason := "error"
		if protocol.IsNodeLeft(err) {
			reason = "node_left"
		}
		telemetry.SendFailuresTotal.With(kind.String(), reason).Inc()
		return &protocol.SendError{Node: to, Kind: kind, Err: err}
	}

	telemetry.MessagesTotal.With(kind.String(), "sent").Inc()
	return nil
}

// handle processes one decoded message. Requests that need a coordinator term
// are parked while none is initialized.
func (s *Service) handle(from mvcc.NodeID, msg protocol.Message) {
	defer s.recoverViolation(from, msg)

	telemetry.MessagesTotal.With(msg.Kind().String(), "received").Inc()

	if msg.Kind().RequiresCoordinatorInit() {
		t := s.term.Load()
		if t == nil {
			if s.closed.Load() {
				return
			}
			if t = s.parked.park(from, msg, s.term.Load); t == nil {
				return
			}
		}
		s.handleRequest(t, from, msg)
		return
	}

	switch m := msg.(type) {
	case protocol.VersionResponse:
		s.observeTerm(m.CoordinatorVersion)
		if !s.futures.ResolveVersion(m.FutureID, m.Snapshot()) {
			s.logUnknownFuture(from, m.FutureID, msg.Kind())
		}

	case protocol.GenericAck:
		if !s.futures.ResolveAck(m.FutureID) {
			s.logUnknownFuture(from, m.FutureID, msg.Kind())
		}

	case protocol.QueryAckRequest:
		t := s.term.Load()
		if t == nil || t.crd.Version != m.CoordinatorVersion {
			log.Debug().
				Uint64("node_id", uint64(from)).
				Uint64("crd_ver", m.CoordinatorVersion).
				Msg("Ignoring query ack for a term this node no longer runs")
			return
		}
		t.ledger.ReleaseQuery(m.Counter)

	case protocol.PrevQueriesRequest:
		s.reportOpenQueries(from, m.CoordinatorVersion)

	case protocol.PrevQueriesReport:
		if h := s.handoffFor(m.CoordinatorVersion); h != nil {
			h.OnReport(from, m.Queries)
		} else {
			log.Debug().Uint64("node_id", uint64(from)).Uint64("crd_ver", m.CoordinatorVersion).Msg("Ignoring report for stale coordinator term")
		}

	case protocol.PrevQueryDone:
		if h := s.handoffFor(m.CoordinatorVersion); h != nil {
			h.OnQueryDone(from, m.Query)
		}

	default:
		log.Warn().Uint64("node_id", uint64(from)).Str("kind", msg.Kind().String()).Msg("Unexpected message")
	}
}

// recoverViolation logs and swallows a broken ledger invariant raised while
// handling msg. Any other panic propagates.
func (s *Service) recoverViolation(from mvcc.NodeID, msg protocol.Message) {
	r := recover()
	if r == nil {
		return
	}
	violation, ok := r.(*protocol.ViolationError)
	if !ok {
		panic(r)
	}
	log.Error().
		Err(violation).
		Uint64("node_id", uint64(from)).
		Str("kind", msg.Kind().String()).
		Msg("Protocol violation, message dropped")
}

func (s *Service) handleRequest(t *term, from mvcc.NodeID, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.TxCounterRequest:
		snap := t.ledger.AssignTxCounter(m.TxID)
		if err := s.send(s.ctx, from, protocol.NewVersionResponse(m.FutureID, snap)); err != nil {
			if protocol.IsNodeLeft(err) {
				// Nobody is left to commit or roll back this counter.
				t.ledger.CompleteTransaction(snap.Version.Counter)
				log.Debug().Err(err).Uint64("counter", snap.Version.Counter).Msg("Requester left, completed its transaction counter")
				return
			}
			log.Error().Err(err).Uint64("counter", snap.Version.Counter).Msg("Failed to send transaction version")
		}

	case protocol.QueryCounterRequest:
		snap := t.ledger.AssignQueryCounter()
		if err := s.send(s.ctx, from, protocol.NewVersionResponse(m.FutureID, snap)); err != nil {
			if protocol.IsNodeLeft(err) {
				t.ledger.ReleaseQuery(snap.TrackCounter())
				log.Debug().Err(err).Uint64("counter", snap.Version.Counter).Msg("Requester left, released its query pin")
				return
			}
			log.Error().Err(err).Uint64("counter", snap.Version.Counter).Msg("Failed to send query version")
		}

	case protocol.TxAckRequest:
		t.ledger.CompleteTransaction(m.Counter)
		if m.SkipResponse {
			return
		}
		if err := s.send(s.ctx, from, protocol.GenericAck{FutureID: m.FutureID}); err != nil && !protocol.IsNodeLeft(err) {
			log.Error().Err(err).Uint64("counter", m.Counter).Msg("Failed to ack transaction")
		}

	case protocol.WaitTxsRequest:
		futureID := m.FutureID
		t.ledger.WaitForTransactions(m.Counters).OnDone(func(struct{}, error) {
			if err := s.send(s.ctx, from, protocol.GenericAck{FutureID: futureID}); err != nil && !protocol.IsNodeLeft(err) {
				log.Error().Err(err).Uint64("future_id", futureID).Msg("Failed to ack transaction wait")
			}
		})
	}
}

func (s *Service) logUnknownFuture(from mvcc.NodeID, futureID uint64, kind protocol.Kind) {
	ev := log.Debug()
	if s.members.Alive(from) {
		ev = log.Warn()
	}
	ev.Uint64("node_id", uint64(from)).
		Uint64("future_id", futureID).
		Str("kind", kind.String()).
		Msg("Response for unknown future")
}
