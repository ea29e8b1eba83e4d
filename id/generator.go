package id

import "sync/atomic"

// Generator provides process-unique request IDs.
// IDs are strictly increasing and never zero (zero marks fire-and-forget
// messages on the wire).
type Generator interface {
	NextID() uint64
}

// SequenceGenerator hands out 1, 2, 3, ... using a single atomic counter.
// Thread-safe.
type SequenceGenerator struct {
	last atomic.Uint64
}

// NewSequenceGenerator creates a generator whose first ID is start+1.
func NewSequenceGenerator(start uint64) *SequenceGenerator {
	g := &SequenceGenerator{}
	g.last.Store(start)
	return g
}

// NextID returns the next ID in the sequence.
func (g *SequenceGenerator) NextID() uint64 {
	return g.last.Add(1)
}

// Last returns the most recently issued ID, or the start value.
func (g *SequenceGenerator) Last() uint64 {
	return g.last.Load()
}
