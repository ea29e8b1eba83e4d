// Package protocol defines the coordination messages exchanged between cluster
// members and the version coordinator, their wire envelope and the errors that
// cross the request/response boundary.
package protocol

import "fmt"

// Kind tags the payload carried by an Envelope.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTxCounterRequest
	KindQueryCounterRequest
	KindVersionResponse
	KindTxAckRequest
	KindQueryAckRequest
	KindWaitTxsRequest
	KindGenericAck
	// KindPrevQueriesReport carries a node's open queries from the previous
	// coordinator epoch to a newly elected coordinator.
	KindPrevQueriesReport
	// KindPrevQueryDone closes one previous-epoch query on the new coordinator.
	KindPrevQueryDone
	// KindPrevQueriesRequest is sent by a new coordinator to every peer and
	// answered with a KindPrevQueriesReport for the same term.
	KindPrevQueriesRequest
)

var kindNames = map[Kind]string{
	KindTxCounterRequest:    "tx_counter_request",
	KindQueryCounterRequest: "query_counter_request",
	KindVersionResponse:     "version_response",
	KindTxAckRequest:        "tx_ack_request",
	KindQueryAckRequest:     "query_ack_request",
	KindWaitTxsRequest:      "wait_txs_request",
	KindGenericAck:          "generic_ack",
	KindPrevQueriesReport:   "prev_queries_report",
	KindPrevQueryDone:       "prev_query_done",
	KindPrevQueriesRequest:  "prev_queries_request",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// RequiresCoordinatorInit reports whether a message of this kind must wait until
// the receiving node has finished becoming coordinator.
//
// Responses and handoff messages never wait: the handoff has to make progress
// while the gate is closed. Query acks never wait either: they name the term
// that issued the snapshot, which was initialized by definition.
func (k Kind) RequiresCoordinatorInit() bool {
	switch k {
	case KindTxCounterRequest, KindQueryCounterRequest, KindTxAckRequest, KindWaitTxsRequest:
		return true
	default:
		return false
	}
}

// Kinds returns every known kind, in wire order.
func Kinds() []Kind {
	return []Kind{
		KindTxCounterRequest,
		KindQueryCounterRequest,
		KindVersionResponse,
		KindTxAckRequest,
		KindQueryAckRequest,
		KindWaitTxsRequest,
		KindGenericAck,
		KindPrevQueriesReport,
		KindPrevQueryDone,
		KindPrevQueriesRequest,
	}
}
