// Package notify provides in-process change notification with per-subscriber buffered streams.
package notify

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Hub fans a published value out to every live subscriber. Publishing never blocks: a subscriber
// whose buffer is full misses that value.
type Hub[T any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan T
	nextID      int64
	bufferSize  int
	closed      bool
}

// NewHub constructs a Hub with the default per-subscriber buffer.
func NewHub[T any]() *Hub[T] {
	return NewHubWithBuffer[T](defaultBufferSize)
}

// NewHubWithBuffer constructs a Hub whose subscriber streams hold up to size pending values.
func NewHubWithBuffer[T any](size int) *Hub[T] {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Hub[T]{
		subscribers: make(map[int64]chan T),
		bufferSize:  size,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup is called.
func (h *Hub[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	stream := make(chan T, h.bufferSize)
	h.subscribers[id] = stream
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			h.unsubscribe(id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return stream, cleanup
}

// Publish delivers value to every subscriber without blocking. A subscriber whose buffer is full
// loses its oldest pending value, so the newest value always reaches it.
func (h *Hub[T]) Publish(value T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, stream := range h.subscribers {
		for {
			select {
			case stream <- value:
			default:
				select {
				case <-stream:
				default:
				}
				continue
			}
			break
		}
	}
}

// Len reports the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes every subscriber stream; later subscriptions receive a closed stream.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, stream := range h.subscribers {
		close(stream)
		delete(h.subscribers, id)
	}
}

func (h *Hub[T]) unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	close(stream)
}
