package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/inapp/internal/bridge"
	"github.com/roach88/inapp/internal/bridge/membus"
	"github.com/roach88/inapp/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []model.AnalyticsPayload
	err      error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, payload model.AnalyticsPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
	return d.err
}

type failingBus struct{ calls int }

func (b *failingBus) Subscribe(string, bridge.Callback) error {
	b.calls++
	if b.calls == 1 {
		return errors.New("bus not ready")
	}
	return nil
}

func TestListen_RoutesPayloads(t *testing.T) {
	bus := membus.New()
	d := &recordingDispatcher{}
	b := bridge.New(bus, d, nil)

	require.NoError(t, b.Listen())
	payload := model.AnalyticsPayload{Event: model.RecordEvent}
	require.NoError(t, bus.Publish(context.Background(), bridge.Topic, payload))

	assert.Equal(t, []model.AnalyticsPayload{payload}, d.payloads)
}

func TestListen_Idempotent(t *testing.T) {
	bus := membus.New()
	d := &recordingDispatcher{}
	b := bridge.New(bus, d, nil)

	require.NoError(t, b.Listen())
	require.NoError(t, b.Listen())

	assert.Equal(t, 1, bus.Listeners(bridge.Topic))
	assert.True(t, b.Listening())

	require.NoError(t, bus.Publish(context.Background(), bridge.Topic, model.AnalyticsPayload{Event: "record"}))
	assert.Len(t, d.payloads, 1, "a payload reaches dispatch exactly once")
}

func TestListen_RetriesAfterFailure(t *testing.T) {
	bus := &failingBus{}
	b := bridge.New(bus, &recordingDispatcher{}, nil)

	require.Error(t, b.Listen())
	assert.False(t, b.Listening())

	require.NoError(t, b.Listen())
	assert.True(t, b.Listening())
	require.NoError(t, b.Listen())
	assert.Equal(t, 2, bus.calls)
}

func TestRoute_DispatchErrorIsLogged(t *testing.T) {
	bus := membus.New()
	d := &recordingDispatcher{err: errors.New("provider down")}
	b := bridge.New(bus, d, nil)
	require.NoError(t, b.Listen())

	assert.NotPanics(t, func() {
		_ = bus.Publish(context.Background(), bridge.Topic, model.AnalyticsPayload{Event: "record"})
	})
	assert.Len(t, d.payloads, 1)
}
