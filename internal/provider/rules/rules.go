// Package rules is the default in-app messaging provider. It serves a
// campaign catalog from a local file and evaluates each campaign's trigger,
// date window and display caps against incoming events.
//
// Display counts live in memory. ObserveInteraction(messageDisplayed)
// increments them; ResetSession clears the session counts.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/provider"
)

// Name is the provider name, and the engine config section it reads.
const Name = "Rules"

// CatalogPathKey is the config key holding the catalog file path.
const CatalogPathKey = "catalogPath"

// ProviderKey is the message metadata key naming the producing provider.
const ProviderKey = "provider"

var (
	_ provider.Provider            = (*Provider)(nil)
	_ provider.InteractionObserver = (*Provider)(nil)
)

// Provider evaluates catalog campaigns.
type Provider struct {
	now    func() time.Time
	logger *slog.Logger

	mu          sync.Mutex
	catalogPath string
	session     map[string]int
	daily       map[string]int
	day         string
	total       map[string]int
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock replaces time.Now for date windows and daily caps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the provider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCatalogPath sets the catalog path before any configuration arrives.
func WithCatalogPath(path string) Option {
	return func(p *Provider) {
		p.catalogPath = path
	}
}

// New creates a provider with empty display counts.
func New(opts ...Option) *Provider {
	p := &Provider{
		now:     time.Now,
		logger:  slog.Default(),
		session: make(map[string]int),
		daily:   make(map[string]int),
		total:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string        { return Name }
func (p *Provider) Category() string    { return provider.Category }
func (p *Provider) SubCategory() string { return provider.SubCategory }

// Configure reads catalogPath. A config without it keeps the current path.
func (p *Provider) Configure(cfg model.Config) error {
	raw, ok := cfg[CatalogPathKey]
	if !ok {
		return nil
	}
	path, ok := raw.(string)
	if !ok {
		return fmt.Errorf("configure %s: %s must be a string, got %T", Name, CatalogPathKey, raw)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.catalogPath = path
	return nil
}

// CatalogPath returns the configured catalog path.
func (p *Provider) CatalogPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.catalogPath
}

// FetchMessages loads the catalog and converts each campaign to a message.
// Without a catalog path there are no messages.
func (p *Provider) FetchMessages(ctx context.Context) ([]model.Message, error) {
	path := p.CatalogPath()
	if path == "" {
		return []model.Message{}, nil
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", Name, err)
	}

	messages := make([]model.Message, 0, len(catalog.Campaigns))
	for _, campaign := range catalog.Campaigns {
		message, err := campaign.Message()
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", Name, err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// Message encodes the campaign as a cacheable message.
func (c Campaign) Message() (model.Message, error) {
	content, err := json.Marshal(c)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode campaign %q: %w", c.ID, err)
	}
	return model.Message{
		ID:      c.ID,
		Content: content,
		Metadata: map[string]string{
			ProviderKey: Name,
			"trigger":   c.Trigger.Event,
		},
	}, nil
}

// Evaluate returns the cached campaigns triggered by event that are inside
// their date window and under their caps. When several match, only those
// sharing the best (lowest) priority are returned, in cache order.
func (p *Provider) Evaluate(ctx context.Context, cached []model.Message, event model.Event) ([]model.Message, error) {
	now := p.now()

	p.mu.Lock()
	p.rollDay(now)
	p.mu.Unlock()

	var (
		matched []model.Message
		best    = math.MaxInt
	)
	for _, message := range cached {
		var campaign Campaign
		if err := json.Unmarshal(message.Content, &campaign); err != nil {
			p.logger.WarnContext(ctx, "skipping undecodable campaign", "message", message.ID, "error", err)
			continue
		}
		if !campaign.Trigger.Matches(event) || !campaign.Active(now) || p.capped(campaign) {
			continue
		}

		priority := campaign.priority()
		switch {
		case priority < best:
			best = priority
			matched = []model.Message{message}
		case priority == best:
			matched = append(matched, message)
		}
	}
	return matched, nil
}

// ObserveInteraction counts displays of this provider's messages.
func (p *Provider) ObserveInteraction(kind model.LifecycleKind, message model.Message) {
	if kind != model.MessageDisplayed || message.Metadata[ProviderKey] != Name {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(p.now())
	p.session[message.ID]++
	p.daily[message.ID]++
	p.total[message.ID]++
}

// ResetSession clears session display counts.
func (p *Provider) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = make(map[string]int)
}

// Displays returns the session, daily and total display counts of id.
func (p *Provider) Displays(id string) (session, daily, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDay(p.now())
	return p.session[id], p.daily[id], p.total[id]
}

func (p *Provider) capped(c Campaign) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return exceeded(c.Caps.Session, p.session[c.ID]) ||
		exceeded(c.Caps.Daily, p.daily[c.ID]) ||
		exceeded(c.Caps.Total, p.total[c.ID])
}

// rollDay resets daily counts when the UTC date changes. Callers hold mu.
func (p *Provider) rollDay(now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if day != p.day {
		p.day = day
		p.daily = make(map[string]int)
	}
}

func exceeded(limit, count int) bool {
	return limit > 0 && count >= limit
}

func (c Campaign) priority() int {
	if c.Priority == nil {
		return math.MaxInt
	}
	return *c.Priority
}

// Active reports whether now is inside [StartDate, EndDate).
func (c Campaign) Active(now time.Time) bool {
	if c.StartDate != nil && now.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && !now.Before(*c.EndDate) {
		return false
	}
	return true
}

// Matches reports whether event satisfies the trigger. Names and attribute
// values compare after NFC normalisation.
func (t Trigger) Matches(event model.Event) bool {
	if norm.NFC.String(t.Event) != norm.NFC.String(event.Name) {
		return false
	}

	for key, accepted := range t.Attributes {
		value, ok := event.Attributes[key]
		if !ok {
			return false
		}
		if len(accepted) > 0 && !containsNormalized(accepted, value) {
			return false
		}
	}

	for _, cond := range t.Metrics {
		value, ok := event.Metrics[cond.Name]
		if !ok || !cond.Holds(value) {
			return false
		}
	}
	return true
}

// Holds applies the condition to value.
func (m MetricCondition) Holds(value float64) bool {
	switch m.Op {
	case "eq":
		return value == m.Value
	case "gt":
		return value > m.Value
	case "gte":
		return value >= m.Value
	case "lt":
		return value < m.Value
	case "lte":
		return value <= m.Value
	default:
		return false
	}
}

func containsNormalized(values []string, want string) bool {
	want = norm.NFC.String(want)
	for _, v := range values {
		if norm.NFC.String(v) == want {
			return true
		}
	}
	return false
}
