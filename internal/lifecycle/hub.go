// Package lifecycle is the internal publish/subscribe mechanism for message
// lifecycle transitions.
//
// Each kind keeps its own ordered handler list. Publish runs handlers
// synchronously, in subscription order, over a snapshot taken when the
// publication starts, so handlers may subscribe or unsubscribe freely.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/model"
)

var (
	// ErrUnknownKind is returned for lifecycle kinds outside model.LifecycleKinds.
	ErrUnknownKind = errors.New("unknown lifecycle kind")
	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("nil lifecycle handler")
)

// Handler receives the messages published under one kind. For
// messagesReceived that is every matched message of a dispatch; for the
// other kinds it is the single message the host reported.
type Handler func(ctx context.Context, messages []model.Message)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      string
	kind    model.LifecycleKind
	handler Handler
	hub     *Hub
}

// ID returns the stable subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Kind returns the subscribed lifecycle kind.
func (s *Subscription) Kind() model.LifecycleKind { return s.kind }

// Remove unsubscribes the handler. Calling it more than once is harmless.
func (s *Subscription) Remove() {
	s.hub.Unsubscribe(s.id)
}

// Hub routes lifecycle publications to subscribed handlers.
type Hub struct {
	mu       sync.RWMutex
	handlers map[model.LifecycleKind][]*Subscription

	ids     IDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Hub.
type Option func(*Hub)

// WithIDGenerator replaces the UUIDv7 subscription id source.
func WithIDGenerator(ids IDGenerator) Option {
	return func(h *Hub) {
		if ids != nil {
			h.ids = ids
		}
	}
}

// WithLogger sets the logger used for recovered handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics counts publications per kind.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates a hub with no subscriptions.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		handlers: make(map[model.LifecycleKind][]*Subscription),
		ids:      UUIDv7Generator{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers handler for kind.
func (h *Hub) Subscribe(kind model.LifecycleKind, handler Handler) (*Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("subscribe %q: %w", kind, ErrUnknownKind)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %q: %w", kind, ErrNilHandler)
	}

	sub := &Subscription{
		id:      h.ids.Generate(),
		kind:    kind,
		handler: handler,
		hub:     h,
	}

	h.mu.Lock()
	h.handlers[kind] = append(h.handlers[kind], sub)
	h.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes the subscription with id. It reports whether one was
// removed.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for kind, subs := range h.handlers {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			h.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish invokes every handler subscribed to kind with messages. A
// panicking handler is logged and the remaining handlers still run.
func (h *Hub) Publish(ctx context.Context, kind model.LifecycleKind, messages []model.Message) error {
	if !kind.Valid() {
		return fmt.Errorf("publish %q: %w", kind, ErrUnknownKind)
	}

	h.mu.RLock()
	subs := append([]*Subscription(nil), h.handlers[kind]...)
	h.mu.RUnlock()

	h.metrics.Lifecycle(string(kind))
	for _, sub := range subs {
		if err := invokeSafely(ctx, sub, messages); err != nil {
			h.logger.ErrorContext(ctx, "lifecycle handler failed",
				"kind", kind,
				"subscription", sub.id,
				"error", err,
			)
		}
	}
	return nil
}

// Count returns the number of handlers subscribed to kind.
func (h *Hub) Count(kind model.LifecycleKind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[kind])
}

// Clear removes every subscription.
func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = make(map[model.LifecycleKind][]*Subscription)
}

func invokeSafely(ctx context.Context, sub *Subscription, messages []model.Message) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler %s: panic recovered: %v", sub.id, recovered)
		}
	}()
	sub.handler(ctx, messages)
	return nil
}
