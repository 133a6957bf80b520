// Package provider defines the contract for pluggable message-delivery
// backends.
package provider

import (
	"context"

	"github.com/roach88/inapp/internal/model"
)

// Every registered provider must report this category and sub-category.
const (
	Category    = "Notifications"
	SubCategory = "InAppMessaging"
)

// Provider is a pluggable backend that fetches messages and evaluates
// cached messages against incoming events.
//
// Identity is by Name. The registry does not enforce uniqueness.
type Provider interface {
	Name() string
	Category() string
	SubCategory() string

	// Configure receives the engine configuration merged with the
	// provider's own section. It may be called more than once.
	Configure(cfg model.Config) error

	// FetchMessages returns the provider's current message set.
	FetchMessages(ctx context.Context) ([]model.Message, error)

	// Evaluate returns the cached messages that match event, in the
	// provider's preferred order.
	Evaluate(ctx context.Context, cached []model.Message, event model.Event) ([]model.Message, error)
}

// InteractionObserver is implemented by providers that track lifecycle
// transitions of their messages, e.g. to enforce display caps.
type InteractionObserver interface {
	ObserveInteraction(kind model.LifecycleKind, message model.Message)
}

// Accepts reports whether p may be registered: it must be non-nil and
// declare the in-app messaging category pair.
func Accepts(p Provider) bool {
	if p == nil {
		return false
	}
	return p.Category() == Category && p.SubCategory() == SubCategory
}
