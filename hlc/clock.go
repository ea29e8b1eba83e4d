// Package hlc issues identifiers from a hybrid logical clock: wall-clock
// milliseconds in the high bits and a logical counter in the low bits. The
// identifiers increase strictly within a process and, as long as the wall clock
// does not step back across a restart, across restarts too.
package hlc

import (
	"sync"
	"time"
)

// LogicalBits is the number of low bits reserved for the logical counter.
// 16 bits = ~65k IDs per millisecond.
const LogicalBits = 16

// MaxLogical is the largest logical value in one millisecond
const MaxLogical = (1 << LogicalBits) - 1

// Clock is a hybrid logical clock. Thread-safe.
type Clock struct {
	mu      sync.Mutex
	lastMS  int64
	logical int64
	now     func() time.Time
}

// NewClock creates a clock reading the system time.
func NewClock() *Clock {
	return newClock(time.Now)
}

func newClock(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// NextID implements id.Generator. IDs are strictly increasing and never zero.
func (c *Clock) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms > c.lastMS {
		c.lastMS = ms
		c.logical = 0
	}

	// The wall clock stood still or stepped back: keep counting on the last
	// millisecond, borrowing the next one when its logical space runs out.
	c.logical++
	if c.logical > MaxLogical {
		c.lastMS++
		c.logical = 1
	}

	return Compose(c.lastMS, c.logical)
}

// Compose packs a millisecond timestamp and a logical counter into an ID.
func Compose(ms, logical int64) uint64 {
	return uint64(ms)<<LogicalBits | uint64(logical)&MaxLogical
}

// Split is the inverse of Compose.
func Split(id uint64) (ms, logical int64) {
	return int64(id >> LogicalBits), int64(id & MaxLogical)
}

// PhysicalTime returns the wall-clock part of id.
func PhysicalTime(id uint64) time.Time {
	ms, _ := Split(id)
	return time.UnixMilli(ms)
}
