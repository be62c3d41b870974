// Package broadcast provides a multi-consumer fan-out channel.
package broadcast

import "sync"

const defaultBuffer = 32

// Hub delivers every published value to all current subscribers. A slow
// subscriber whose buffer is full misses values rather than blocking the
// publisher; SubscribeLagged exposes when that happens. Closing the hub
// closes every subscriber channel, which is the stop signal for loops
// ranging over a subscription.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	buffer int
	closed bool
}

// New creates a hub whose subscriber channels hold up to buffer values.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub[T]{
		subs:   make(map[uint64]*subscriber[T]),
		buffer: buffer,
	}
}

type subscriber[T any] struct {
	ch     chan T
	lagged chan struct{}
}

// Subscribe registers a new consumer. The returned cancel function removes
// the subscription and closes its channel; it is safe to call more than once.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	ch, _, cancel := h.SubscribeLagged()
	return ch, cancel
}

// SubscribeLagged is Subscribe plus a lagged channel that receives a signal
// whenever a value was dropped because the subscription's buffer was full.
// Signals coalesce: one pending signal covers any number of drops.
func (h *Hub[T]) SubscribeLagged() (<-chan T, <-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber[T]{
		ch:     make(chan T, h.buffer),
		lagged: make(chan struct{}, 1),
	}
	if h.closed {
		close(sub.ch)
		return sub.ch, sub.lagged, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = sub

	var once sync.Once
	return sub.ch, sub.lagged, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish sends v to every subscriber without blocking. It returns the number
// of subscribers that received the value.
func (h *Hub[T]) Publish(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return 0
	}

	delivered := 0
	for _, sub := range h.subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes all subscriber channels. Later subscriptions receive an
// already-closed channel. Close is idempotent.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Closed reports whether Close has been called
func (h *Hub[T]) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
