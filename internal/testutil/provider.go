package testutil

import (
	"context"
	"sync"

	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/provider"
)

// TriggerKey is the metadata key FakeProvider's default evaluation matches
// against the event name.
const TriggerKey = "trigger"

// EvaluateFunc scripts FakeProvider.Evaluate.
type EvaluateFunc func(cached []model.Message, event model.Event) ([]model.Message, error)

// FakeProvider is a scriptable provider.Provider that records every call.
//
// By default Evaluate returns the cached messages whose metadata
// TriggerKey equals the event name.
type FakeProvider struct {
	mu           sync.Mutex
	name         string
	category     string
	subCategory  string
	messages     []model.Message
	fetchErr     error
	configureErr error
	evaluate     EvaluateFunc
	configs      []model.Config
	cached       [][]model.Message
	events       []model.Event
	interactions []Interaction
	fetchCalls   int
}

// Interaction is one observed lifecycle transition.
type Interaction struct {
	Kind    model.LifecycleKind
	Message model.Message
}

var (
	_ provider.Provider            = (*FakeProvider)(nil)
	_ provider.InteractionObserver = (*FakeProvider)(nil)
)

// NewFakeProvider creates a valid in-app messaging provider named name.
func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{
		name:        name,
		category:    provider.Category,
		subCategory: provider.SubCategory,
	}
}

// WithCategory overrides the declared category pair.
func (p *FakeProvider) WithCategory(category, subCategory string) *FakeProvider {
	p.category = category
	p.subCategory = subCategory
	return p
}

// WithMessages sets what FetchMessages returns.
func (p *FakeProvider) WithMessages(messages ...model.Message) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = messages
	return p
}

// WithFetchError makes FetchMessages fail.
func (p *FakeProvider) WithFetchError(err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErr = err
	return p
}

// WithConfigureError makes Configure fail.
func (p *FakeProvider) WithConfigureError(err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configureErr = err
	return p
}

// WithEvaluate replaces the default evaluation.
func (p *FakeProvider) WithEvaluate(fn EvaluateFunc) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluate = fn
	return p
}

// Name returns the provider name.
func (p *FakeProvider) Name() string { return p.name }

// Category returns the declared category.
func (p *FakeProvider) Category() string { return p.category }

// SubCategory returns the declared sub-category.
func (p *FakeProvider) SubCategory() string { return p.subCategory }

// Configure records cfg.
func (p *FakeProvider) Configure(cfg model.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs = append(p.configs, cfg)
	return p.configureErr
}

// FetchMessages returns the scripted messages.
func (p *FakeProvider) FetchMessages(ctx context.Context) ([]model.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return append([]model.Message(nil), p.messages...), nil
}

// Evaluate records its inputs and runs the scripted or default evaluation.
func (p *FakeProvider) Evaluate(ctx context.Context, cached []model.Message, event model.Event) ([]model.Message, error) {
	p.mu.Lock()
	p.cached = append(p.cached, cached)
	p.events = append(p.events, event)
	fn := p.evaluate
	p.mu.Unlock()

	if fn != nil {
		return fn(cached, event)
	}

	var matched []model.Message
	for _, message := range cached {
		if message.Metadata[TriggerKey] == event.Name {
			matched = append(matched, message)
		}
	}
	return matched, nil
}

// ObserveInteraction records a lifecycle transition.
func (p *FakeProvider) ObserveInteraction(kind model.LifecycleKind, message model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interactions = append(p.interactions, Interaction{Kind: kind, Message: message})
}

// Configs returns every configuration received, oldest first.
func (p *FakeProvider) Configs() []model.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Config(nil), p.configs...)
}

// LastConfig returns the most recent configuration, or nil.
func (p *FakeProvider) LastConfig() model.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.configs) == 0 {
		return nil
	}
	return p.configs[len(p.configs)-1]
}

// FetchCalls returns how many times FetchMessages ran.
func (p *FakeProvider) FetchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}

// EvaluateCalls returns how many times Evaluate ran.
func (p *FakeProvider) EvaluateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// LastCached returns the cached messages passed to the latest Evaluate.
func (p *FakeProvider) LastCached() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cached) == 0 {
		return nil
	}
	return p.cached[len(p.cached)-1]
}

// Interactions returns every observed lifecycle transition.
func (p *FakeProvider) Interactions() []Interaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Interaction(nil), p.interactions...)
}

// TriggeredMessage builds a message FakeProvider's default evaluation
// matches for events named trigger.
func TriggeredMessage(id, trigger string) model.Message {
	return model.Message{
		ID:       id,
		Content:  []byte(`{"body":"` + id + `"}`),
		Metadata: map[string]string{TriggerKey: trigger},
	}
}
