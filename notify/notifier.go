// Package notify fans out signals to in-process subscribers without blocking the
// sender.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Filter selects the signals a subscriber receives. A nil Filter accepts all.
type Filter[T any] func(T) bool

type subscription[T any] struct {
	id     uint64
	filter Filter[T]
	ch     chan T
	closed atomic.Bool
}

func (s *subscription[T]) matches(v T) bool {
	return s.filter == nil || s.filter(v)
}

func (s *subscription[T]) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub.
type Hub[T any] struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription[T]
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		subscriptions: make(map[uint64]*subscription[T]),
	}
}

// Signal sends v to all matching subscribers (non-blocking).
func (h *Hub[T]) Signal(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(v) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- v:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by Signal(). The cancel function is idempotent.
func (h *Hub[T]) Subscribe(filter Filter[T]) (<-chan T, func()) {
	sub := &subscription[T]{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan T, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close cancels every subscription.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription[T])
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
