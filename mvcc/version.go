// Package mvcc holds the value types shared by the version coordinator, its
// clients and the wire protocol.
//
// A Version is the MVCC timestamp used everywhere: the coordinator version that
// issued it plus a counter. Counters are a pure logical clock and are never reused
// under a given coordinator version.
package mvcc

import (
	"fmt"
	"sort"
)

// CounterNA is the sentinel meaning "no version assigned".
const CounterNA uint64 = 0

// NodeID identifies a cluster member.
type NodeID uint64

// TxID identifies a transaction as known to the transaction manager.
type TxID uint64

// Version is the pair {coordinator version, counter}.
type Version struct {
	CoordinatorVersion uint64 `msgpack:"cv" json:"coordinator_version"`
	Counter            uint64 `msgpack:"c" json:"counter"`
}

// IsAssigned reports whether the version carries a real counter.
func (v Version) IsAssigned() bool {
	return v.Counter != CounterNA
}

func (v Version) String() string {
	return fmt.Sprintf("%d:%d", v.CoordinatorVersion, v.Counter)
}

// Compare compares two versions
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Version) int {
	if a.CoordinatorVersion < b.CoordinatorVersion {
		return -1
	}
	if a.CoordinatorVersion > b.CoordinatorVersion {
		return 1
	}

	if a.Counter < b.Counter {
		return -1
	}
	if a.Counter > b.Counter {
		return 1
	}

	return 0
}

// Less returns true if a orders before b
func Less(a, b Version) bool {
	return Compare(a, b) < 0
}

// Snapshot is what a coordinator hands out for a transaction or a query: the
// assigned version, the counters that were still active at assignment time and,
// for transactions, the cleanup watermark.
type Snapshot struct {
	Version   Version  `json:"version"`
	ActiveTxs []uint64 `json:"active_txs"`
	Cleanup   uint64   `json:"cleanup"`
}

// TrackCounter returns the counter a query is pinned at on the coordinator:
// the minimum of the snapshot counter and every active transaction counter.
func (s Snapshot) TrackCounter() uint64 {
	track := s.Version.Counter
	for _, c := range s.ActiveTxs {
		if c < track {
			track = c
		}
	}
	return track
}

// Sees reports whether the writes of the transaction holding counter are visible
// to this snapshot.
func (s Snapshot) Sees(counter uint64) bool {
	if counter == CounterNA || counter > s.Version.Counter {
		return false
	}
	for _, c := range s.ActiveTxs {
		if c == counter {
			return false
		}
	}
	return true
}

// SortCounters sorts counters ascending in place and returns them.
func SortCounters(counters []uint64) []uint64 {
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })
	return counters
}
