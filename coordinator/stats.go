package coordinator

import (
	"time"

	"github.com/maxpert/mvccoord/ledger"
	"github.com/maxpert/mvccoord/mvcc"
	"github.com/maxpert/mvccoord/telemetry"
)

// Status is the admin view of the local node.
type Status struct {
	NodeID          mvcc.NodeID       `json:"node_id"`
	TopologyVersion uint64            `json:"topology_version"`
	Coordinator     *mvcc.Coordinator `json:"coordinator,omitempty"`
	IsCoordinator   bool              `json:"is_coordinator"`
	TermStarted     *time.Time        `json:"term_started,omitempty"`
	PendingVersions int               `json:"pending_version_futures"`
	PendingAcks     int               `json:"pending_ack_futures"`
	OpenQueries     int               `json:"open_queries"`
	ParkedRequests  int               `json:"parked_requests"`
}

// Status returns a point-in-time view of the node.
func (s *Service) Status() Status {
	versions, acks := s.futures.Pending()
	st := Status{
		NodeID:          s.localID,
		TopologyVersion: s.members.Current().Version,
		PendingVersions: versions,
		PendingAcks:     acks,
		OpenQueries:     s.open.total(),
		ParkedRequests:  s.parked.size(),
	}
	if crd, ok := s.CurrentCoordinator(); ok {
		st.Coordinator = &crd
	}
	if t := s.term.Load(); t != nil {
		started := t.startedAt
		st.IsCoordinator = true
		st.TermStarted = &started
	}
	return st
}

// LedgerStats returns the local ledger view, false when this node is not the
// coordinator. It refreshes the cleanup watermark.
func (s *Service) LedgerStats() (ledger.Stats, bool) {
	t := s.term.Load()
	if t == nil {
		return ledger.Stats{}, false
	}
	t.ledger.CleanupWatermark()
	return t.ledger.Stats(), true
}

// Handoff returns the previous-queries status of the current term.
func (s *Service) Handoff() (HandoffStatus, bool) {
	t := s.term.Load()
	if t == nil {
		return HandoffStatus{}, false
	}
	return t.handoff.Status(), true
}

// CleanupWatermark returns the local ledger's cleanup watermark.
func (s *Service) CleanupWatermark() (uint64, error) {
	t := s.term.Load()
	if t == nil {
		return mvcc.CounterNA, ErrNotCoordinator
	}
	return t.ledger.CleanupWatermark(), nil
}

// CollectStats implements telemetry.StatsProvider.
func (s *Service) CollectStats() (telemetry.Stats, bool) {
	ls, ok := s.LedgerStats()
	if !ok {
		return telemetry.Stats{}, false
	}
	return telemetry.Stats{
		CoordinatorVersion: ls.CoordinatorVersion,
		Counter:            ls.Counter,
		Committed:          ls.Committed,
		Cleanup:            ls.Cleanup,
		ActiveTxs:          ls.ActiveTxs,
		QueryPins:          ls.QueryPins,
		PendingWaits:       ls.PendingWaits,
	}, true
}

// DumpStatistics logs the local ledger at info level when this node is the
// coordinator.
func (s *Service) DumpStatistics() {
	if t := s.term.Load(); t != nil {
		t.ledger.DumpStatistics()
	}
}
