package protocol

import (
	"errors"
	"fmt"

	"github.com/maxpert/mvccoord/mvcc"
)

var (
	// ErrCoordinatorLeft fails version requests addressed to a coordinator that
	// left the topology before answering.
	ErrCoordinatorLeft = errors.New("mvcc coordinator left the cluster")

	// ErrCoordinatorNotAssigned is returned when no coordinator exists for a
	// topology version.
	ErrCoordinatorNotAssigned = errors.New("mvcc coordinator is not assigned")

	// ErrCoordinatorChanged is returned when the coordinator changed while a
	// request that may not be remapped was in flight.
	ErrCoordinatorChanged = errors.New("mvcc coordinator changed")

	// ErrNodeLeft is returned by transports when the target is not in the topology.
	ErrNodeLeft = errors.New("node is not in topology")

	// ErrProtocolViolation marks broken ledger invariants.
	ErrProtocolViolation = errors.New("mvcc protocol violation")

	// ErrUnknownKind is returned when decoding an unknown message kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// CoordinatorLeftError names the coordinator a failed version request targeted.
type CoordinatorLeftError struct {
	Node     mvcc.NodeID
	FutureID uint64
}

func (e *CoordinatorLeftError) Error() string {
	return fmt.Sprintf("mvcc coordinator %d left the cluster (future %d)", e.Node, e.FutureID)
}

func (e *CoordinatorLeftError) Unwrap() error {
	return ErrCoordinatorLeft
}

// SendError wraps a transport failure for one outgoing message.
type SendError struct {
	Node mvcc.NodeID
	Kind Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send %s to node %d: %v", e.Kind, e.Node, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsNodeLeft reports whether err means the target node is gone.
func IsNodeLeft(err error) bool {
	return errors.Is(err, ErrNodeLeft)
}

// ViolationError describes a broken protocol contract. Ledger code panics with it.
type ViolationError struct {
	Reason string
	Err    error
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return e.Err
}

// Violation builds a ViolationError wrapping ErrProtocolViolation.
func Violation(format string, args ...interface{}) *ViolationError {
	return &ViolationError{Reason: fmt.Sprintf(format, args...), Err: ErrProtocolViolation}
}
