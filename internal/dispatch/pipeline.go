// Package dispatch fans the engine's three bulk operations out across every
// registered provider: syncing caches from providers, clearing caches, and
// evaluating an analytics record against cached messages.
//
// Every operation starts one branch per provider and returns only after all
// branches settle. By default the first branch error is returned and a
// failed dispatch publishes nothing. WithProviderIsolation switches to
// collecting results from the branches that succeeded and returning the
// joined errors afterwards.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/inapp/internal/cache"
	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/provider"
)

const tracerName = "github.com/roach88/inapp/internal/dispatch"

// ProviderSource supplies the providers to fan out over, in registry order.
type ProviderSource interface {
	Providers() []provider.Provider
}

// Publisher receives the aggregated messages of a dispatch.
type Publisher interface {
	Publish(ctx context.Context, kind model.LifecycleKind, messages []model.Message) error
}

// ConflictHandler narrows the flattened matches of a dispatch before they
// are published. Returning an empty slice suppresses the publication.
type ConflictHandler func(messages []model.Message) []model.Message

// Pipeline runs fetch, clear and evaluate across providers.
type Pipeline struct {
	providers ProviderSource
	cache     *cache.Cache
	publisher Publisher

	isolate  bool
	conflict ConflictHandler
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithProviderIsolation keeps one provider's failure from aborting the
// others' results.
func WithProviderIsolation(enabled bool) Option {
	return func(p *Pipeline) {
		p.isolate = enabled
	}
}

// WithConflictHandler sets the handler applied to non-empty matches.
func WithConflictHandler(fn ConflictHandler) Option {
	return func(p *Pipeline) {
		if fn != nil {
			p.conflict = fn
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records dispatch outcomes and provider errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// New creates a pipeline over providers, their cache and a publisher.
func New(providers ProviderSource, c *cache.Cache, publisher Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		providers: providers,
		cache:     c,
		publisher: publisher,
		conflict:  func(messages []model.Message) []model.Message { return messages },
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SyncMessages fetches messages from every provider and writes each result
// to that provider's cache slot.
func (p *Pipeline) SyncMessages(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "inapp.sync_messages")
	defer span.End()

	providers := p.providers.Providers()
	span.SetAttributes(attribute.Int("inapp.providers", len(providers)))

	err := p.fanOut(ctx, providers, "fetch", func(ctx context.Context, _ int, prov provider.Provider) error {
		messages, err := prov.FetchMessages(ctx)
		if err != nil {
			return err
		}
		p.cache.Write(ctx, prov.Name(), messages)
		p.logger.DebugContext(ctx, "provider synced", "provider", prov.Name(), "messages", len(messages))
		return nil
	})
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("sync messages: %w", err)
	}
	return nil
}

// ClearMessages clears every provider's cache slot.
func (p *Pipeline) ClearMessages(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "inapp.clear_messages")
	defer span.End()

	err := p.fanOut(ctx, p.providers.Providers(), "clear", func(ctx context.Context, _ int, prov provider.Provider) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cache.Clear(ctx, prov.Name())
		return nil
	})
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// DispatchEvent wraps event in an analytics record and dispatches it.
func (p *Pipeline) DispatchEvent(ctx context.Context, event model.Event) error {
	payload, err := model.NewRecordPayload(event)
	if err != nil {
		return fmt.Errorf("dispatch event: %w", err)
	}
	return p.Dispatch(ctx, payload)
}

// Dispatch evaluates an analytics payload against every provider's cached
// messages and publishes the union of matches under messagesReceived.
// Payloads that are not records are ignored without touching providers.
func (p *Pipeline) Dispatch(ctx context.Context, payload model.AnalyticsPayload) error {
	if !payload.IsRecord() {
		p.metrics.Dispatch("ignored")
		return nil
	}

	event, err := payload.DecodeEvent()
	if err != nil {
		p.metrics.Dispatch("failed")
		return fmt.Errorf("dispatch: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "inapp.dispatch", trace.WithAttributes(
		attribute.String("inapp.event", event.Name),
	))
	defer span.End()

	providers := p.providers.Providers()
	results := make([][]model.Message, len(providers))
	branchErr := p.fanOut(ctx, providers, "evaluate", func(ctx context.Context, i int, prov provider.Provider) error {
		cached, ok := p.cache.Read(ctx, prov.Name())
		if !ok {
			cached = nil
		}
		matched, err := prov.Evaluate(ctx, cached, event)
		if err != nil {
			return err
		}
		results[i] = matched
		return nil
	})
	if branchErr != nil {
		recordError(span, branchErr)
		if !p.isolate {
			p.metrics.Dispatch("failed")
			return fmt.Errorf("dispatch %q: %w", event.Name, branchErr)
		}
	}

	var flat []model.Message
	for _, matched := range results {
		flat = append(flat, matched...)
	}
	if len(flat) > 0 {
		flat = p.conflict(flat)
	}
	span.SetAttributes(attribute.Int("inapp.matched", len(flat)))

	if len(flat) == 0 {
		p.metrics.Dispatch("empty")
		return wrapDispatch(event, branchErr)
	}

	if err := p.publisher.Publish(ctx, model.MessagesReceived, flat); err != nil {
		recordError(span, err)
		p.metrics.Dispatch("failed")
		return fmt.Errorf("dispatch %q: publish: %w", event.Name, err)
	}
	p.metrics.Matched(len(flat))
	p.metrics.Dispatch("published")
	return wrapDispatch(event, branchErr)
}

type branchFunc func(ctx context.Context, i int, prov provider.Provider) error

// fanOut runs fn once per provider and waits for every branch. Panics are
// converted to branch errors. Without isolation the first error wins; with
// it every error is joined.
func (p *Pipeline) fanOut(ctx context.Context, providers []provider.Provider, op string, fn branchFunc) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for i, prov := range providers {
		g.Go(func() error {
			branchCtx, span := p.tracer.Start(ctx, "inapp.provider."+op, trace.WithAttributes(
				attribute.String("inapp.provider", prov.Name()),
			))
			defer span.End()

			err := runSafely(prov.Name(), func() error { return fn(branchCtx, i, prov) })
			if err == nil {
				return nil
			}

			recordError(span, err)
			p.metrics.ProviderError(prov.Name(), op)
			p.logger.ErrorContext(ctx, "provider "+op+" failed", "provider", prov.Name(), "error", err)

			if !p.isolate {
				return err
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func runSafely(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("provider %s: panic recovered: %v", scope, recovered)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("provider %s: %w", scope, err)
	}
	return nil
}

func wrapDispatch(event model.Event, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("dispatch %q: %w", event.Name, err)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
