// Package futures correlates asynchronous coordination messages with the callers
// waiting on them.
//
// Every outgoing request gets a Pending result that is resolved exactly once: by
// the matching response, by a membership event for the target node, or by a
// synchronous send failure.
package futures

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
)

// Pending is a one-shot result. The first Resolve or Fail wins; later calls are
// ignored and report false.
type Pending[T any] struct {
	promise *future.Promise[T]
	fut     *future.Future[T]
	done    chan struct{}
	created time.Time

	mu        sync.Mutex
	finished  bool
	val       T
	err       error
	listeners []func(T, error)
}

// NewPending creates an unresolved result.
func NewPending[T any]() *Pending[T] {
	p := future.NewPromise[T]()
	return &Pending[T]{
		promise: p,
		fut:     p.Future(),
		done:    make(chan struct{}),
		created: time.Now(),
	}
}

// Resolved returns a result that is already complete with v.
func Resolved[T any](v T) *Pending[T] {
	p := NewPending[T]()
	p.Resolve(v)
	return p
}

// Resolve completes the result with v.
func (p *Pending[T]) Resolve(v T) bool {
	return p.complete(v, nil)
}

// Fail completes the result with err.
func (p *Pending[T]) Fail(err error) bool {
	var zero T
	return p.complete(zero, err)
}

func (p *Pending[T]) complete(v T, err error) bool {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return false
	}
	p.finished = true
	p.val = v
	p.err = err
	listeners := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	p.promise.Set(v, err)
	close(p.done)

	for _, fn := range listeners {
		fn(v, err)
	}
	return true
}

// OnDone registers fn to run once the result completes. If it already has, fn
// runs immediately on the calling goroutine.
func (p *Pending[T]) OnDone(fn func(T, error)) {
	p.mu.Lock()
	if !p.finished {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return
	}
	v, err := p.val, p.err
	p.mu.Unlock()

	fn(v, err)
}

// Done is closed once the result completes.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result completes or ctx is done.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.fut.Get()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while unresolved.
func (p *Pending[T]) Result() (v T, err error, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val, p.err, p.finished
}

// Age returns the time since the result was created.
func (p *Pending[T]) Age() time.Duration {
	return time.Since(p.created)
}

// Join returns a result that resolves once every input has resolved, or fails
// with the first error. An empty join is resolved immediately.
func Join[T any](parts ...*Pending[T]) *Pending[struct{}] {
	joined := NewPending[struct{}]()
	if len(parts) == 0 {
		joined.Resolve(struct{}{})
		return joined
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(parts)))

	for _, part := range parts {
		part.OnDone(func(_ T, err error) {
			if err != nil {
				joined.Fail(err)
				return
			}
			if remaining.Add(-1) == 0 {
				joined.Resolve(struct{}{})
			}
		})
	}
	return joined
}
