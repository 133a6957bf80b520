package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/inapp/internal/bridge"
	"github.com/roach88/inapp/internal/dispatch"
	"github.com/roach88/inapp/internal/lifecycle"
	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/registry"
)

type options struct {
	bus        bridge.Bus
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	newDefault registry.DefaultFactory
	isolate    bool
	conflict   dispatch.ConflictHandler
	ids        lifecycle.IDGenerator
}

// Option configures an Engine.
type Option func(*options)

// WithBus sets the analytics bus the engine listens on after Configure.
// Without a bus the engine only dispatches through DispatchEvent.
func WithBus(bus bridge.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records engine activity to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithDefaultProvider replaces the rules provider registered when Configure
// finds no providers. A nil factory disables the default.
func WithDefaultProvider(factory registry.DefaultFactory) Option {
	return func(o *options) {
		o.newDefault = factory
	}
}

// WithProviderIsolation keeps one provider's failure from aborting the
// other providers' sync and dispatch results.
func WithProviderIsolation(enabled bool) Option {
	return func(o *options) {
		o.isolate = enabled
	}
}

// WithConflictHandler narrows dispatch matches before publication.
func WithConflictHandler(fn dispatch.ConflictHandler) Option {
	return func(o *options) {
		o.conflict = fn
	}
}

// WithIDGenerator sets the lifecycle subscription id source.
func WithIDGenerator(ids lifecycle.IDGenerator) Option {
	return func(o *options) {
		o.ids = ids
	}
}
