package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/inapp/internal/engine"
	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/storage"
	"github.com/roach88/inapp/internal/testutil"
)

type fixture struct {
	engine *engine.Engine
	store  *testutil.FlakyStore
	push   *testutil.FakeProvider
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: testutil.NewFlakyStore()}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f.engine = engine.New(f.store, engine.WithMetrics(m))
	f.push = testutil.NewFakeProvider("push").WithMessages(testutil.TriggeredMessage("a", "checkout"))
	require.True(t, f.engine.AddPluggable(f.push))

	srv := New(f.engine, WithMetrics(m), WithGatherer(reg))
	f.server = httptest.NewServer(srv.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestSyncAndInspect(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/messages/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"providers":[{"name":"push","messages":1,"readable":true}]}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/v1/providers/push/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Provider string          `json:"provider"`
		Messages []model.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "push", got.Provider)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "a", got.Messages[0].ID)

	resp, _ = f.do(t, http.MethodDelete, "/v1/messages", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/v1/providers/push/messages", "")
	assert.JSONEq(t, `{"provider":"push","messages":[]}`, string(body))
}

func TestSyncFailure(t *testing.T) {
	f := newFixture(t)
	f.push.WithFetchError(errors.New("upstream down"))

	resp, body := f.do(t, http.MethodPost, "/v1/messages/sync", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "upstream down")
}

func TestProviders(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/v1/providers", "")
	assert.JSONEq(t, `{"providers":["push"]}`, string(body))

	resp, _ := f.do(t, http.MethodGet, "/v1/providers/pull/messages", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProviderMessages_Unreadable(t *testing.T) {
	f := newFixture(t)
	f.store.FailGet(errors.New("disk gone"))

	resp, _ := f.do(t, http.MethodGet, "/v1/providers/push/messages", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	var (
		mu       sync.Mutex
		received [][]model.Message
	)
	_, err := f.engine.OnMessagesReceived(func(_ context.Context, messages []model.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, messages)
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.SyncMessages(context.Background()))

	resp, body := f.do(t, http.MethodPost, "/v1/events", `{"name":"checkout"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	mu.Lock()
	require.Len(t, received, 1)
	assert.Equal(t, "a", received[0][0].ID)
	mu.Unlock()

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"unknown field", `{"name":"x","nmae":"y"}`},
		{"missing name", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/v1/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestInteractions(t *testing.T) {
	f := newFixture(t)
	var (
		mu        sync.Mutex
		displayed []string
	)
	_, err := f.engine.OnMessageDisplayed(func(_ context.Context, m model.Message) {
		mu.Lock()
		defer mu.Unlock()
		displayed = append(displayed, m.ID)
	})
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/v1/interactions/displayed", `{"id":"a"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	mu.Lock()
	assert.Equal(t, []string{"a"}, displayed)
	mu.Unlock()
	require.Len(t, f.push.Interactions(), 1)

	resp, _ = f.do(t, http.MethodPost, "/v1/interactions/received", `{"id":"a"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/interactions/dismissed", `nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", "")

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `inapp_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}

func TestLifecycleStream(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SyncMessages(context.Background()))

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/lifecycle/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() Notification {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var n Notification
		require.NoError(t, conn.ReadJSON(&n))
		return n
	}

	assert.Equal(t, StreamSubscribed, read().Kind)

	require.NoError(t, f.engine.DispatchEvent(context.Background(), model.Event{Name: "checkout"}))
	n := read()
	assert.Equal(t, string(model.MessagesReceived), n.Kind)
	require.Len(t, n.Messages, 1)
	assert.Equal(t, "a", n.Messages[0].ID)

	body := bytes.NewBufferString(`{"id":"a"}`)
	httpResp, err := f.server.Client().Post(f.server.URL+"/v1/interactions/actionTaken", "application/json", body)
	require.NoError(t, err)
	httpResp.Body.Close()

	n = read()
	assert.Equal(t, string(model.MessageActionTaken), n.Kind)
}

func TestLifecycleStream_RequiresUpgrade(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/v1/lifecycle/stream", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	srv := New(engine.New(storage.NewMemory()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
