// Package membus is an in-process analytics bus.
//
// Publish delivers synchronously to every listener of the topic in
// subscription order, so tests and single-binary hosts observe dispatch
// effects as soon as Publish returns.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/inapp/internal/bridge"
	"github.com/roach88/inapp/internal/model"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

var _ bridge.Bus = (*Hub)(nil)

// Hub is a topic-keyed listener table.
type Hub struct {
	mu        sync.RWMutex
	closed    bool
	listeners map[string][]bridge.Callback
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{listeners: make(map[string][]bridge.Callback)}
}

// Subscribe registers callback for topic.
func (h *Hub) Subscribe(topic string, callback bridge.Callback) error {
	if callback == nil {
		return fmt.Errorf("subscribe %s: nil callback", topic)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("subscribe %s: %w", topic, ErrClosed)
	}
	h.listeners[topic] = append(h.listeners[topic], callback)
	return nil
}

// Publish delivers payload to the listeners of topic.
func (h *Hub) Publish(ctx context.Context, topic string, payload model.AnalyticsPayload) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return fmt.Errorf("publish %s: %w", topic, ErrClosed)
	}
	listeners := append([]bridge.Callback(nil), h.listeners[topic]...)
	h.mu.RUnlock()

	for _, listener := range listeners {
		listener(ctx, payload)
	}
	return nil
}

// Listeners returns the number of listeners on topic.
func (h *Hub) Listeners(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[topic])
}

// Close drops every listener and rejects further use.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.listeners = make(map[string][]bridge.Callback)
	return nil
}
