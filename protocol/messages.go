package protocol

import "github.com/maxpert/mvccoord/mvcc"

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
}

// NoFuture marks fire-and-forget messages.
const NoFuture uint64 = 0

// TxCounterRequest asks the coordinator to assign a transaction counter.
type TxCounterRequest struct {
	FutureID uint64    `msgpack:"f"`
	TxID     mvcc.TxID `msgpack:"tx"`
}

// QueryCounterRequest asks the coordinator for a snapshot version.
type QueryCounterRequest struct {
	FutureID uint64 `msgpack:"f"`
}

// VersionResponse answers both counter requests. Cleanup is CounterNA for queries.
type VersionResponse struct {
	FutureID           uint64   `msgpack:"f"`
	CoordinatorVersion uint64   `msgpack:"cv"`
	Counter            uint64   `msgpack:"c"`
	ActiveTxs          []uint64 `msgpack:"a"`
	Cleanup            uint64   `msgpack:"cl"`
}

// TxAckRequest reports a finished transaction. Rollbacks set SkipResponse and
// FutureID = NoFuture.
type TxAckRequest struct {
	FutureID     uint64 `msgpack:"f"`
	Counter      uint64 `msgpack:"c"`
	SkipResponse bool   `msgpack:"s"`
}

// QueryAckRequest releases a query pin on the coordinator that issued the
// snapshot. CoordinatorVersion is the term stamped on the snapshot; the pin is
// released only while the receiver still runs that term. Fire-and-forget.
type QueryAckRequest struct {
	CoordinatorVersion uint64 `msgpack:"cv"`
	Counter            uint64 `msgpack:"c"`
}

// WaitTxsRequest asks for a GenericAck once every listed counter is finished.
type WaitTxsRequest struct {
	FutureID uint64   `msgpack:"f"`
	Counters []uint64 `msgpack:"cs"`
}

// GenericAck resolves an ack future.
type GenericAck struct {
	FutureID uint64 `msgpack:"f"`
}

// QueryCount is the number of open queries holding one snapshot version.
type QueryCount struct {
	Version mvcc.Version `msgpack:"v"`
	Count   int          `msgpack:"n"`
}

// PrevQueriesRequest asks a peer for its open queries from earlier terms.
// CoordinatorVersion is the requesting coordinator's term.
type PrevQueriesRequest struct {
	CoordinatorVersion uint64 `msgpack:"cv"`
}

// PrevQueriesReport lists the sender's open queries acquired from any previous
// coordinator. CoordinatorVersion echoes the PrevQueriesRequest it answers.
type PrevQueriesReport struct {
	CoordinatorVersion uint64       `msgpack:"cv"`
	Queries            []QueryCount `msgpack:"q"`
}

// PrevQueryDone closes one query opened under a previous coordinator.
// CoordinatorVersion is the term the query was reported to.
type PrevQueryDone struct {
	CoordinatorVersion uint64       `msgpack:"cv"`
	Query              mvcc.Version `msgpack:"q"`
}

func (TxCounterRequest) Kind() Kind    { return KindTxCounterRequest }
func (QueryCounterRequest) Kind() Kind { return KindQueryCounterRequest }
func (VersionResponse) Kind() Kind     { return KindVersionResponse }
func (TxAckRequest) Kind() Kind        { return KindTxAckRequest }
func (QueryAckRequest) Kind() Kind     { return KindQueryAckRequest }
func (WaitTxsRequest) Kind() Kind      { return KindWaitTxsRequest }
func (GenericAck) Kind() Kind          { return KindGenericAck }
func (PrevQueriesReport) Kind() Kind   { return KindPrevQueriesReport }
func (PrevQueryDone) Kind() Kind       { return KindPrevQueryDone }
func (PrevQueriesRequest) Kind() Kind  { return KindPrevQueriesRequest }

// Snapshot converts the response into the value handed to callers.
func (r VersionResponse) Snapshot() mvcc.Snapshot {
	return mvcc.Snapshot{
		Version:   mvcc.Version{CoordinatorVersion: r.CoordinatorVersion, Counter: r.Counter},
		ActiveTxs: r.ActiveTxs,
		Cleanup:   r.Cleanup,
	}
}

// NewVersionResponse builds a response for futureID from a ledger snapshot.
func NewVersionResponse(futureID uint64, snap mvcc.Snapshot) VersionResponse {
	return VersionResponse{
		FutureID:           futureID,
		CoordinatorVersion: snap.Version.CoordinatorVersion,
		Counter:            snap.Version.Counter,
		ActiveTxs:          snap.ActiveTxs,
		Cleanup:            snap.Cleanup,
	}
}

func newMessage(k Kind) (Message, bool) {
	switch k {
	case KindTxCounterRequest:
		return &TxCounterRequest{}, true
	case KindQueryCounterRequest:
		return &QueryCounterRequest{}, true
	case KindVersionResponse:
		return &VersionResponse{}, true
	case KindTxAckRequest:
		return &TxAckRequest{}, true
	case KindQueryAckRequest:
		return &QueryAckRequest{}, true
	case KindWaitTxsRequest:
		return &WaitTxsRequest{}, true
	case KindGenericAck:
		return &GenericAck{}, true
	case KindPrevQueriesReport:
		return &PrevQueriesReport{}, true
	case KindPrevQueryDone:
		return &PrevQueryDone{}, true
	case KindPrevQueriesRequest:
		return &PrevQueriesRequest{}, true
	default:
		return nil, false
	}
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *TxCounterRequest:
		return *v
	case *QueryCounterRequest:
		return *v
	case *VersionResponse:
		return *v
	case *TxAckRequest:
		return *v
	case *QueryAckRequest:
		return *v
	case *WaitTxsRequest:
		return *v
	case *GenericAck:
		return *v
	case *PrevQueriesReport:
		return *v
	case *PrevQueryDone:
		return *v
	case *PrevQueriesRequest:
		return *v
	default:
		return m
	}
}
