// Package natsbus carries analytics payloads over NATS subjects as JSON.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	natspkg "github.com/nats-io/nats.go"

	"github.com/roach88/inapp/internal/bridge"
	"github.com/roach88/inapp/internal/model"
)

var _ bridge.Bus = (*Bus)(nil)

// Bus wraps a NATS connection.
type Bus struct {
	nc     *natspkg.Conn
	prefix string
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithSubjectPrefix prepends prefix to every topic, e.g. "inapp." turns
// topic "analytics" into subject "inapp.analytics".
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bus) {
		b.prefix = prefix
	}
}

// WithLogger sets the logger used for dropped payloads.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Connect dials url and wraps the connection.
func Connect(url string, opts ...Option) (*Bus, error) {
	nc, err := natspkg.Connect(url, natspkg.Name("inapp"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return New(nc, opts...), nil
}

// New wraps an existing connection. Close drains it.
func New(nc *natspkg.Conn, opts ...Option) *Bus {
	b := &Bus{nc: nc, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subject returns the NATS subject for topic.
func (b *Bus) Subject(topic string) string {
	return b.prefix + topic
}

// Subscribe delivers every JSON payload published on topic's subject to
// callback. Malformed payloads are logged and dropped.
func (b *Bus) Subscribe(topic string, callback bridge.Callback) error {
	if callback == nil {
		return fmt.Errorf("subscribe %s: nil callback", topic)
	}

	subject := b.Subject(topic)
	_, err := b.nc.Subscribe(subject, func(msg *natspkg.Msg) {
		b.deliver(subject, msg.Data, callback)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return nil
}

func (b *Bus) deliver(subject string, data []byte, callback bridge.Callback) {
	payload, err := Decode(data)
	if err != nil {
		b.logger.Warn("dropping analytics payload", "subject", subject, "error", err)
		return
	}
	callback(context.Background(), payload)
}

// Publish sends payload on topic's subject.
func (b *Bus) Publish(ctx context.Context, topic string, payload model.AnalyticsPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	subject := b.Subject(topic)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.Status() == natspkg.CONNECTED
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// Decode parses a wire payload. The event discriminator is required.
func Decode(data []byte) (model.AnalyticsPayload, error) {
	var payload model.AnalyticsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Event == "" {
		return payload, fmt.Errorf("decode payload: missing event")
	}
	return payload, nil
}
