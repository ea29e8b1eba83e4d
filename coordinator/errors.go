package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/mvccoord/mvcc"
)

var (
	// ErrNotCoordinator is returned by coordinator-local operations on a node
	// that does not hold an initialized term.
	ErrNotCoordinator = errors.New("local node is not the mvcc coordinator")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator service closed")
)

// InitTimeoutError reports a request dropped because no coordinator term was
// initialized in time.
type InitTimeoutError struct {
	From   mvcc.NodeID
	Waited time.Duration
}

func (e *InitTimeoutError) Error() string {
	return fmt.Sprintf("request from node %d dropped after waiting %s for coordinator init", e.From, e.Waited)
}
