package coordinator

import (
	"context"
	"errors"

	"github.com/maxpert/mvccoord/futures"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/protocol"
	"github.com/rs/zerolog/log"
)

// RequestTxCounter asks crd for a transaction counter. The snapshot lists the
// transactions that were active at assignment time and the cleanup watermark.
// It fails with an error wrapping protocol.ErrCoordinatorLeft when crd leaves
// before answering. A counter that arrives after ctx is done is rolled back.
func (s *Service) RequestTxCounter(ctx context.Context, crd mvcc.Coordinator, txID mvcc.TxID) (mvcc.Snapshot, error) {
	if crd.Node == s.localID {
		if snap, err := s.requestTxCounterLocal(crd, txID); err == nil {
			return snap, nil
		}
	}

	req := s.futures.NewVersionRequest(crd.Node)
	if err := s.send(ctx, crd.Node, protocol.TxCounterRequest{FutureID: req.ID, TxID: txID}); err != nil {
		s.failVersion(req.ID, crd.Node, err)
	}

	snap, err := req.Wait(ctx)
	if abandoned(ctx, err) {
		req.OnDone(func(snap mvcc.Snapshot, err error) {
			if err == nil {
				s.AckTxRollback(crd, snap.Version)
			}
		})
	}
	return snap, err
}

// RequestTxCounterOnCoordinator assigns a transaction counter from the local
// ledger without messaging. ErrNotCoordinator when this node holds no term.
func (s *Service) RequestTxCounterOnCoordinator(txID mvcc.TxID) (mvcc.Snapshot, error) {
	t := s.term.Load()
	if t == nil {
		return mvcc.Snapshot{}, ErrNotCoordinator
	}
	snap := t.ledger.AssignTxCounter(txID)
	return snap, nil
}

func (s *Service) requestTxCounterLocal(crd mvcc.Coordinator, txID mvcc.TxID) (mvcc.Snapshot, error) {
	t := s.term.Load()
	if t == nil || !t.crd.Equal(crd) {
		return mvcc.Snapshot{}, ErrNotCoordinator
	}
	return s.RequestTxCounterOnCoordinator(txID)
}

// RequestQueryCounter asks crd for a query snapshot. The caller must hand the
// snapshot back with AckQueryDone. A snapshot that arrives after ctx is done is
// released.
func (s *Service) RequestQueryCounter(ctx context.Context, crd mvcc.Coordinator) (mvcc.Snapshot, error) {
	req := s.futures.NewVersionRequest(crd.Node)
	if err := s.send(ctx, crd.Node, protocol.QueryCounterRequest{FutureID: req.ID}); err != nil {
		s.failVersion(req.ID, crd.Node, err)
	}

	snap, err := req.Wait(ctx)
	if err == nil {
		s.open.add(crd.Node, snap.Version)
	}
	if abandoned(ctx, err) {
		req.OnDone(func(snap mvcc.Snapshot, err error) {
			if err == nil {
				s.AckQueryDone(crd, snap)
			}
		})
	}
	return snap, err
}

// AckTxCommit tells crd the transaction holding v committed and waits for the
// acknowledgement. It succeeds without an answer when crd left.
func (s *Service) AckTxCommit(ctx context.Context, crd mvcc.Coordinator, v mvcc.Version) error {
	ack := s.futures.NewAck(crd.Node, futures.AckCommit)
	msg := protocol.TxAckRequest{FutureID: ack.ID, Counter: v.Counter}
	if err := s.send(ctx, crd.Node, msg); err != nil {
		s.failAck(ack.ID, err)
	}

	_, err := ack.Wait(ctx)
	return err
}

// AckTxRollback tells crd the transaction holding v rolled back. No answer is
// expected.
func (s *Service) AckTxRollback(crd mvcc.Coordinator, v mvcc.Version) {
	msg := protocol.TxAckRequest{FutureID: protocol.NoFuture, Counter: v.Counter, SkipResponse: true}
	if err := s.send(s.ctx, crd.Node, msg); err != nil && !protocol.IsNodeLeft(err) {
		log.Warn().Err(err).Uint64("counter", v.Counter).Msg("Failed to send rollback ack")
	}
}

// AckQueryDone releases the query holding snap. The pin is released on the
// coordinator that issued the snapshot, named by the term stamped on it. Every
// later coordinator this node reported the query to is told it finished. crd
// is only used when snap was never tracked locally.
func (s *Service) AckQueryDone(crd mvcc.Coordinator, snap mvcc.Snapshot) {
	issuer, reportedTo, ok := s.open.release(snap.Version, crd.Node)
	if !ok {
		issuer = crd.Node
	}

	ack := protocol.QueryAckRequest{CoordinatorVersion: snap.Version.CoordinatorVersion, Counter: snap.TrackCounter()}
	s.sendQueryDone(issuer, ack, snap.Version)
	for _, target := range reportedTo {
		s.sendQueryDone(target.node, protocol.PrevQueryDone{CoordinatorVersion: target.cv, Query: snap.Version}, snap.Version)
	}
}

func (s *Service) sendQueryDone(to mvcc.NodeID, msg protocol.Message, v mvcc.Version) {
	if err := s.send(s.ctx, to, msg); err != nil && !protocol.IsNodeLeft(err) {
		log.Warn().Err(err).Uint64("node_id", uint64(to)).Str("version", v.String()).Msg("Failed to send query done")
	}
}

// WaitTxs blocks until crd reports none of counters active. It succeeds
// without an answer when crd left.
func (s *Service) WaitTxs(ctx context.Context, crd mvcc.Coordinator, counters []uint64) error {
	if len(counters) == 0 {
		return nil
	}

	ack := s.futures.NewAck(crd.Node, futures.AckWaitTxs)
	if err := s.send(ctx, crd.Node, protocol.WaitTxsRequest{FutureID: ack.ID, Counters: counters}); err != nil {
		s.failAck(ack.ID, err)
	}

	_, err := ack.Wait(ctx)
	return err
}

func (s *Service) failVersion(futureID uint64, node mvcc.NodeID, err error) {
	if protocol.IsNodeLeft(err) {
		s.futures.FailVersion(futureID, &protocol.CoordinatorLeftError{Node: node, FutureID: futureID})
		return
	}
	s.futures.FailVersion(futureID, err)
}

func (s *Service) failAck(futureID uint64, err error) {
	if protocol.IsNodeLeft(err) {
		s.futures.SucceedAck(futureID)
		return
	}
	s.futures.FailAck(futureID, err)
}

func abandoned(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
