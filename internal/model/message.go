package model

import (
	"encoding/json"
	"fmt"
)

// RecordEvent is the analytics payload discriminator the engine reacts to.
const RecordEvent = "record"

// Message is an in-app message as produced by a provider.
//
// Content is provider-defined JSON and is never inspected by the engine.
type Message struct {
	ID       string            `json:"id"`
	Content  json.RawMessage   `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Event is an in-app messaging event evaluated by providers against their
// cached messages.
type Event struct {
	Name       string             `json:"name"`
	Attributes map[string]string  `json:"attributes,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// AnalyticsPayload is the boundary value delivered by the analytics bus.
type AnalyticsPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewRecordPayload wraps an Event in a "record" analytics payload.
func NewRecordPayload(event Event) (AnalyticsPayload, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return AnalyticsPayload{}, fmt.Errorf("encode record payload: %w", err)
	}
	return AnalyticsPayload{Event: RecordEvent, Data: data}, nil
}

// IsRecord reports whether the payload is an analytics record.
func (p AnalyticsPayload) IsRecord() bool {
	return p.Event == RecordEvent
}

// DecodeEvent decodes the payload data as an Event.
func (p AnalyticsPayload) DecodeEvent() (Event, error) {
	var event Event
	if len(p.Data) == 0 {
		return event, fmt.Errorf("decode event: empty data")
	}
	if err := json.Unmarshal(p.Data, &event); err != nil {
		return event, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}

// LifecycleKind identifies a message lifecycle transition.
type LifecycleKind string

const (
	// MessagesReceived fires once per dispatch with every matched message.
	MessagesReceived LifecycleKind = "messagesReceived"
	// MessageDisplayed fires when the host shows a message.
	MessageDisplayed LifecycleKind = "messageDisplayed"
	// MessageDismissed fires when the user dismisses a message.
	MessageDismissed LifecycleKind = "messageDismissed"
	// MessageActionTaken fires when the user acts on a message.
	MessageActionTaken LifecycleKind = "messageActionTaken"
)

// LifecycleKinds lists every supported kind in a stable order.
var LifecycleKinds = []LifecycleKind{
	MessagesReceived,
	MessageDisplayed,
	MessageDismissed,
	MessageActionTaken,
}

// Valid reports whether k is one of the supported kinds.
func (k LifecycleKind) Valid() bool {
	for _, kind := range LifecycleKinds {
		if kind == k {
			return true
		}
	}
	return false
}
