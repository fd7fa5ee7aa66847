// Package pubsub fans values out to in-process subscribers keyed by topic.
package pubsub

import "sync"

// Hub delivers published values to every subscriber of a topic.
// Slow subscribers lose their oldest undelivered value rather than block publishers.
type Hub[T any] struct {
	mu     sync.RWMutex
	size   int
	topics map[string]map[chan T]struct{}
}

// NewHub returns a hub whose subscriber channels buffer size values.
func NewHub[T any](size int) *Hub[T] {
	if size < 1 {
		size = 1
	}
	return &Hub[T]{
		size:   size,
		topics: make(map[string]map[chan T]struct{}),
	}
}

// Subscribe registers a channel for topic. The caller must invoke cancel to avoid leaks;
// cancel closes the channel and is safe to call more than once.
func (h *Hub[T]) Subscribe(topic string) (<-chan T, func()) {
	ch := make(chan T, h.size)

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[chan T]struct{})
		h.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.topics[topic]
		if !ok {
			return
		}
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	return ch, cancel
}

// Publish sends v to all current subscribers of topic without blocking.
func (h *Hub[T]) Publish(topic string, v T) {
	// Holding the write lock serialises publishers with the drop-oldest dance
	// below, so two publishers cannot both find the buffer full and block.
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.topics[topic] {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Close cancels every subscription.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		for ch := range subs {
			close(ch)
		}
		delete(h.topics, topic)
	}
}
