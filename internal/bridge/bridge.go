// Package bridge connects the external analytics bus to the dispatch
// pipeline.
//
// The bridge subscribes once per process lifetime. There is no unsubscribe
// path: once Listen succeeds the bridge stays active until the bus itself
// is closed.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/inapp/internal/model"
)

// Topic is the analytics bus topic the bridge listens on.
const Topic = "analytics"

// Callback receives payloads delivered on a topic.
type Callback func(ctx context.Context, payload model.AnalyticsPayload)

// Bus is the subscribe capability of the external analytics bus.
type Bus interface {
	Subscribe(topic string, callback Callback) error
}

// Dispatcher is the dispatch pipeline entry point.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload model.AnalyticsPayload) error
}

// Bridge routes analytics payloads into a Dispatcher.
type Bridge struct {
	bus        Bus
	dispatcher Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	listening bool
}

// New creates an inactive bridge. A nil logger uses slog.Default().
func New(bus Bus, dispatcher Dispatcher, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		bus:        bus,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Listen subscribes to the analytics topic unless already listening. A
// failed subscription leaves the bridge inactive so a later call can retry.
func (b *Bridge) Listen() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listening {
		return nil
	}
	if err := b.bus.Subscribe(Topic, b.route); err != nil {
		return fmt.Errorf("listen %s: %w", Topic, err)
	}
	b.listening = true
	b.logger.Info("listening for analytics events", "topic", Topic)
	return nil
}

// Listening reports whether Listen has succeeded.
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

func (b *Bridge) route(ctx context.Context, payload model.AnalyticsPayload) {
	if err := b.dispatcher.Dispatch(ctx, payload); err != nil {
		b.logger.ErrorContext(ctx, "analytics dispatch failed", "event", payload.Event, "error", err)
	}
}
