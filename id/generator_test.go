package id

import (
	"sync"
	"testing"
)

func TestSequenceGenerator_NextID_Monotonic(t *testing.T) {
	gen := NewSequenceGenerator(0)

	var prev uint64
	const iterations = 1000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%d, curr=%d", i, prev, id)
		}
		prev = id
	}
	if gen.Last() != iterations {
		t.Fatalf("expected last=%d, got %d", iterations, gen.Last())
	}
}

func TestSequenceGenerator_NeverZero(t *testing.T) {
	gen := NewSequenceGenerator(0)
	if id := gen.NextID(); id == 0 {
		t.Fatal("first ID must not be zero")
	}
}

func TestSequenceGenerator_NextID_Concurrent(t *testing.T) {
	gen := NewSequenceGenerator(100)

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	idsChan := make(chan uint64, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				idsChan <- gen.NextID()
			}
		}()
	}

	wg.Wait()
	close(idsChan)

	seen := make(map[uint64]bool)
	for id := range idsChan {
		if id <= 100 {
			t.Fatalf("ID %d not above start value", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID in concurrent generation: %d", id)
		}
		seen[id] = true
	}

	if len(seen) != goroutines*idsPerGoroutine {
		t.Fatalf("expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}
