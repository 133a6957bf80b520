package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/inapp/internal/bridge"
	"github.com/roach88/inapp/internal/cache"
	"github.com/roach88/inapp/internal/dispatch"
	"github.com/roach88/inapp/internal/lifecycle"
	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/provider"
	"github.com/roach88/inapp/internal/provider/rules"
	"github.com/roach88/inapp/internal/registry"
	"github.com/roach88/inapp/internal/storage"
)

// Engine orchestrates providers, their cached messages and lifecycle
// notifications. It is safe for concurrent use.
type Engine struct {
	registry *registry.Registry
	cache    *cache.Cache
	hub      *lifecycle.Hub
	pipeline *dispatch.Pipeline
	bridge   *bridge.Bridge
	logger   *slog.Logger
}

// New creates an engine over store with an empty registry.
func New(store storage.Storage, opts ...Option) *Engine {
	o := options{logger: slog.Default()}
	o.newDefault = func() provider.Provider {
		return rules.New(rules.WithLogger(o.logger))
	}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{logger: o.logger}
	e.registry = registry.New(
		registry.WithLogger(o.logger),
		registry.WithDefault(o.newDefault),
	)
	e.cache = cache.New(store,
		cache.WithLogger(o.logger),
		cache.WithMetrics(o.metrics),
	)
	e.hub = lifecycle.NewHub(
		lifecycle.WithLogger(o.logger),
		lifecycle.WithMetrics(o.metrics),
		lifecycle.WithIDGenerator(o.ids),
	)
	e.pipeline = dispatch.New(e.registry, e.cache, e.hub,
		dispatch.WithLogger(o.logger),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithTracer(o.tracer),
		dispatch.WithProviderIsolation(o.isolate),
		dispatch.WithConflictHandler(o.conflict),
	)
	if o.bus != nil {
		e.bridge = bridge.New(o.bus, e.pipeline, o.logger)
	}
	return e
}

// Configure merges cfg into the engine configuration, reconfigures every
// provider and registers the default provider if none are registered. When
// listenForAnalyticsEvents is true (the default) and a bus is set, the
// bridge starts listening. It returns the effective configuration.
func (e *Engine) Configure(ctx context.Context, cfg model.Config) (model.Config, error) {
	effective := e.registry.ConfigureAll(cfg)
	e.logger.DebugContext(ctx, "engine configured", "providers", e.registry.Len())

	if e.bridge == nil || !effective.Bool(model.ListenForAnalyticsEvents, true) {
		return effective, nil
	}
	if err := e.bridge.Listen(); err != nil {
		return effective, fmt.Errorf("configure: %w", err)
	}
	return effective, nil
}

// AddPluggable registers p. It reports false when p was rejected.
func (e *Engine) AddPluggable(p provider.Provider) bool {
	return e.registry.Register(p)
}

// RemovePluggable unregisters the first provider named name.
func (e *Engine) RemovePluggable(name string) bool {
	return e.registry.Unregister(name)
}

// GetPluggable returns the first provider named name.
func (e *Engine) GetPluggable(name string) (provider.Provider, bool) {
	return e.registry.Lookup(name)
}

// Providers returns registered provider names in registry order.
func (e *Engine) Providers() []string {
	providers := e.registry.Providers()
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	return names
}

// ProviderSummary is one provider's cache state.
type ProviderSummary struct {
	Name     string `json:"name"`
	Messages int    `json:"messages"`
	Readable bool   `json:"readable"`
}

// Summaries reports every provider's cached message count in registry
// order. Readable is false when the provider's slot could not be read.
func (e *Engine) Summaries(ctx context.Context) []ProviderSummary {
	providers := e.registry.Providers()
	out := make([]ProviderSummary, 0, len(providers))
	for _, p := range providers {
		messages, ok := e.cache.Read(ctx, p.Name())
		out = append(out, ProviderSummary{Name: p.Name(), Messages: len(messages), Readable: ok})
	}
	return out
}

// Listening reports whether the analytics bridge is active.
func (e *Engine) Listening() bool {
	return e.bridge != nil && e.bridge.Listening()
}

// SyncMessages refreshes every provider's cache slot from the provider.
func (e *Engine) SyncMessages(ctx context.Context) error {
	return e.pipeline.SyncMessages(ctx)
}

// ClearMessages empties every provider's cache slot.
func (e *Engine) ClearMessages(ctx context.Context) error {
	return e.pipeline.ClearMessages(ctx)
}

// DispatchEvent evaluates event against every provider's cached messages
// and publishes the matches under messagesReceived.
func (e *Engine) DispatchEvent(ctx context.Context, event model.Event) error {
	return e.pipeline.DispatchEvent(ctx, event)
}

// Dispatch handles a raw analytics payload exactly as the bridge does.
func (e *Engine) Dispatch(ctx context.Context, payload model.AnalyticsPayload) error {
	return e.pipeline.Dispatch(ctx, payload)
}

// CachedMessages reads a provider's cache slot. ok is false when storage
// failed.
func (e *Engine) CachedMessages(ctx context.Context, name string) (messages []model.Message, ok bool) {
	return e.cache.Read(ctx, name)
}

// Subscribe registers handler for any lifecycle kind.
func (e *Engine) Subscribe(kind model.LifecycleKind, handler lifecycle.Handler) (*lifecycle.Subscription, error) {
	return e.hub.Subscribe(kind, handler)
}

// OnMessagesReceived registers handler for dispatch results.
func (e *Engine) OnMessagesReceived(handler func(ctx context.Context, messages []model.Message)) (*lifecycle.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("on %s: %w", model.MessagesReceived, lifecycle.ErrNilHandler)
	}
	return e.hub.Subscribe(model.MessagesReceived, handler)
}

// OnMessageDisplayed registers handler for displayed messages.
func (e *Engine) OnMessageDisplayed(handler func(ctx context.Context, message model.Message)) (*lifecycle.Subscription, error) {
	return e.onMessage(model.MessageDisplayed, handler)
}

// OnMessageDismissed registers handler for dismissed messages.
func (e *Engine) OnMessageDismissed(handler func(ctx context.Context, message model.Message)) (*lifecycle.Subscription, error) {
	return e.onMessage(model.MessageDismissed, handler)
}

// OnMessageActionTaken registers handler for messages the user acted on.
func (e *Engine) OnMessageActionTaken(handler func(ctx context.Context, message model.Message)) (*lifecycle.Subscription, error) {
	return e.onMessage(model.MessageActionTaken, handler)
}

func (e *Engine) onMessage(kind model.LifecycleKind, handler func(context.Context, model.Message)) (*lifecycle.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("on %s: %w", kind, lifecycle.ErrNilHandler)
	}
	return e.hub.Subscribe(kind, func(ctx context.Context, messages []model.Message) {
		for _, message := range messages {
			handler(ctx, message)
		}
	})
}

// NotifyMessageDisplayed reports that the host showed message.
func (e *Engine) NotifyMessageDisplayed(ctx context.Context, message model.Message) error {
	return e.Notify(ctx, model.MessageDisplayed, message)
}

// NotifyMessageDismissed reports that the user dismissed message.
func (e *Engine) NotifyMessageDismissed(ctx context.Context, message model.Message) error {
	return e.Notify(ctx, model.MessageDismissed, message)
}

// NotifyMessageActionTaken reports that the user acted on message.
func (e *Engine) NotifyMessageActionTaken(ctx context.Context, message model.Message) error {
	return e.Notify(ctx, model.MessageActionTaken, message)
}

// Notify forwards a host-reported transition to observing providers, then
// publishes it. messagesReceived is reserved for dispatch.
func (e *Engine) Notify(ctx context.Context, kind model.LifecycleKind, message model.Message) error {
	if kind == model.MessagesReceived || !kind.Valid() {
		return fmt.Errorf("notify %q: %w", kind, lifecycle.ErrUnknownKind)
	}

	for _, p := range e.registry.Providers() {
		if observer, ok := p.(provider.InteractionObserver); ok {
			observer.ObserveInteraction(kind, message)
		}
	}
	return e.hub.Publish(ctx, kind, []model.Message{message})
}

// Close removes every lifecycle subscription. The storage and bus belong to
// the caller and stay open.
func (e *Engine) Close() {
	e.hub.Clear()
}
