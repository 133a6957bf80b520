package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/roach88/inapp/internal/cache"
	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/provider"
	"github.com/roach88/inapp/internal/registry"
	"github.com/roach88/inapp/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type publication struct {
	kind     model.LifecycleKind
	messages []model.Message
}

type recordingPublisher struct {
	mu   sync.Mutex
	pubs []publication
	err  error
}

func (r *recordingPublisher) Publish(ctx context.Context, kind model.LifecycleKind, messages []model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubs = append(r.pubs, publication{kind: kind, messages: messages})
	return r.err
}

func (r *recordingPublisher) publications() []publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publication(nil), r.pubs...)
}

type fixture struct {
	registry  *registry.Registry
	store     *testutil.FlakyStore
	cache     *cache.Cache
	publisher *recordingPublisher
	pipeline  *Pipeline
}

func newFixture(t *testing.T, providers []provider.Provider, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		registry:  registry.New(),
		store:     testutil.NewFlakyStore(),
		publisher: &recordingPublisher{},
	}
	for _, p := range providers {
		require.True(t, f.registry.Register(p))
	}
	f.cache = cache.New(f.store)
	f.pipeline = New(f.registry, f.cache, f.publisher, opts...)
	return f
}

func checkout() model.Event {
	return model.Event{Name: "checkout"}
}

func TestSyncMessages_PopulatesEachSlot(t *testing.T) {
	ctx := context.Background()
	a := testutil.TriggeredMessage("a", "checkout")
	b := testutil.TriggeredMessage("b", "login")
	push := testutil.NewFakeProvider("push").WithMessages(a)
	pull := testutil.NewFakeProvider("pull").WithMessages(b)
	f := newFixture(t, []provider.Provider{push, pull})

	require.NoError(t, f.pipeline.SyncMessages(ctx))

	raw, found, err := f.store.Get(ctx, "push_inAppMessages")
	require.NoError(t, err)
	require.True(t, found)
	var stored []model.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, []model.Message{a}, stored)

	got, ok := f.cache.Read(ctx, "pull")
	require.True(t, ok)
	assert.Equal(t, []model.Message{b}, got)
}

func TestSyncMessages_FirstErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("fetch down")
	good := testutil.NewFakeProvider("good").WithMessages(testutil.TriggeredMessage("a", "checkout"))
	bad := testutil.NewFakeProvider("bad").WithFetchError(boom)
	f := newFixture(t, []provider.Provider{good, bad})

	err := f.pipeline.SyncMessages(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, good.FetchCalls(), "every branch runs to completion")

	got, ok := f.cache.Read(ctx, "good")
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestSyncMessages_NilFetchLeavesSlot(t *testing.T) {
	ctx := context.Background()
	push := testutil.NewFakeProvider("push")
	f := newFixture(t, []provider.Provider{push})
	f.cache.Write(ctx, "push", []model.Message{testutil.TriggeredMessage("old", "checkout")})

	require.NoError(t, f.pipeline.SyncMessages(ctx))

	got, ok := f.cache.Read(ctx, "push")
	require.True(t, ok)
	assert.Len(t, got, 1, "a nil fetch result is not written")
}

func TestClearMessages(t *testing.T) {
	ctx := context.Background()
	push := testutil.NewFakeProvider("push").WithMessages(testutil.TriggeredMessage("a", "checkout"))
	f := newFixture(t, []provider.Provider{push})
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	require.NoError(t, f.pipeline.ClearMessages(ctx))

	_, found, err := f.store.Get(ctx, "push_inAppMessages")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearMessages_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFixture(t, []provider.Provider{testutil.NewFakeProvider("push")})

	assert.ErrorIs(t, f.pipeline.ClearMessages(ctx), context.Canceled)
}

func TestDispatch_AggregatesAndPublishesOnce(t *testing.T) {
	ctx := context.Background()
	a := testutil.TriggeredMessage("a", "checkout")
	p1 := testutil.NewFakeProvider("p1").WithMessages(a)
	p2 := testutil.NewFakeProvider("p2").WithMessages(testutil.TriggeredMessage("b", "login"))
	f := newFixture(t, []provider.Provider{p1, p2})
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

	pubs := f.publisher.publications()
	require.Len(t, pubs, 1)
	assert.Equal(t, model.MessagesReceived, pubs[0].kind)
	assert.Equal(t, []model.Message{a}, pubs[0].messages)
}

func TestDispatch_RegistryOrder(t *testing.T) {
	ctx := context.Background()
	first := testutil.NewFakeProvider("first").WithMessages(
		testutil.TriggeredMessage("f1", "checkout"),
		testutil.TriggeredMessage("f2", "checkout"),
	)
	second := testutil.NewFakeProvider("second").WithMessages(testutil.TriggeredMessage("s1", "checkout"))
	f := newFixture(t, []provider.Provider{first, second})
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

	pubs := f.publisher.publications()
	require.Len(t, pubs, 1)
	ids := make([]string, 0, len(pubs[0].messages))
	for _, m := range pubs[0].messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"f1", "f2", "s1"}, ids)
}

func TestDispatch_IgnoresNonRecord(t *testing.T) {
	push := testutil.NewFakeProvider("push")
	f := newFixture(t, []provider.Provider{push})

	err := f.pipeline.Dispatch(context.Background(), model.AnalyticsPayload{Event: "other", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	assert.Empty(t, f.publisher.publications())
	assert.Zero(t, push.EvaluateCalls())
	assert.Zero(t, f.store.SyncCalls(), "ignored payloads never touch storage")
}

func TestDispatch_MalformedRecord(t *testing.T) {
	push := testutil.NewFakeProvider("push")
	f := newFixture(t, []provider.Provider{push})

	err := f.pipeline.Dispatch(context.Background(), model.AnalyticsPayload{Event: model.RecordEvent, Data: json.RawMessage(`"nope"`)})
	require.Error(t, err)
	assert.Zero(t, push.EvaluateCalls())
}

func TestDispatch_NoMatchesNoPublication(t *testing.T) {
	ctx := context.Background()
	push := testutil.NewFakeProvider("push").WithMessages(testutil.TriggeredMessage("a", "login"))
	f := newFixture(t, []provider.Provider{push})
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

	assert.Empty(t, f.publisher.publications())
	assert.Equal(t, 1, push.EvaluateCalls())
}

func TestDispatch_FailedReadPassesEmptyCache(t *testing.T) {
	ctx := context.Background()
	push := testutil.NewFakeProvider("push").WithMessages(testutil.TriggeredMessage("a", "checkout"))
	f := newFixture(t, []provider.Provider{push})
	require.NoError(t, f.pipeline.SyncMessages(ctx))
	f.store.FailGet(errors.New("disk gone"))

	require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

	assert.Empty(t, push.LastCached())
	assert.Empty(t, f.publisher.publications())
}

func TestDispatch_EvaluateErrorAbortsPublication(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("rules engine down")
	good := testutil.NewFakeProvider("good").WithMessages(testutil.TriggeredMessage("a", "checkout"))
	bad := testutil.NewFakeProvider("bad").WithEvaluate(func([]model.Message, model.Event) ([]model.Message, error) {
		return nil, boom
	})
	f := newFixture(t, []provider.Provider{good, bad})
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	err := f.pipeline.DispatchEvent(ctx, checkout())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.publisher.publications())
}

func TestDispatch_IsolationPublishesSurvivors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("rules engine down")
	a := testutil.TriggeredMessage("a", "checkout")
	good := testutil.NewFakeProvider("good").WithMessages(a)
	bad := testutil.NewFakeProvider("bad").WithEvaluate(func([]model.Message, model.Event) ([]model.Message, error) {
		return nil, boom
	})
	crashy := testutil.NewFakeProvider("crashy").WithEvaluate(func([]model.Message, model.Event) ([]model.Message, error) {
		panic("nil map")
	})
	f := newFixture(t, []provider.Provider{good, bad, crashy}, WithProviderIsolation(true))
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	err := f.pipeline.DispatchEvent(ctx, checkout())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "panic recovered")

	pubs := f.publisher.publications()
	require.Len(t, pubs, 1)
	assert.Equal(t, []model.Message{a}, pubs[0].messages)
}

func TestDispatch_PanicWithoutIsolationIsAnError(t *testing.T) {
	ctx := context.Background()
	crashy := testutil.NewFakeProvider("crashy").WithEvaluate(func([]model.Message, model.Event) ([]model.Message, error) {
		panic("nil map")
	})
	f := newFixture(t, []provider.Provider{crashy})

	err := f.pipeline.DispatchEvent(ctx, checkout())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic recovered")
}

func TestSyncMessages_IsolationJoinsErrors(t *testing.T) {
	ctx := context.Background()
	errA := errors.New("a down")
	errB := errors.New("b down")
	f := newFixture(t, []provider.Provider{
		testutil.NewFakeProvider("a").WithFetchError(errA),
		testutil.NewFakeProvider("b").WithFetchError(errB),
		testutil.NewFakeProvider("c").WithMessages(testutil.TriggeredMessage("c1", "checkout")),
	}, WithProviderIsolation(true))

	err := f.pipeline.SyncMessages(ctx)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)

	got, ok := f.cache.Read(ctx, "c")
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestDispatch_ConflictHandler(t *testing.T) {
	ctx := context.Background()
	push := testutil.NewFakeProvider("push").WithMessages(
		testutil.TriggeredMessage("a", "checkout"),
		testutil.TriggeredMessage("b", "checkout"),
	)

	t.Run("narrows", func(t *testing.T) {
		f := newFixture(t, []provider.Provider{push}, WithConflictHandler(func(messages []model.Message) []model.Message {
			return messages[:1]
		}))
		require.NoError(t, f.pipeline.SyncMessages(ctx))
		require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

		pubs := f.publisher.publications()
		require.Len(t, pubs, 1)
		require.Len(t, pubs[0].messages, 1)
		assert.Equal(t, "a", pubs[0].messages[0].ID)
	})

	t.Run("suppresses", func(t *testing.T) {
		f := newFixture(t, []provider.Provider{push}, WithConflictHandler(func([]model.Message) []model.Message {
			return nil
		}))
		require.NoError(t, f.pipeline.SyncMessages(ctx))
		require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

		assert.Empty(t, f.publisher.publications())
	})
}

func TestDispatch_PublishError(t *testing.T) {
	ctx := context.Background()
	push := testutil.NewFakeProvider("push").WithMessages(testutil.TriggeredMessage("a", "checkout"))
	f := newFixture(t, []provider.Provider{push})
	f.publisher.err = errors.New("closed")
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	assert.Error(t, f.pipeline.DispatchEvent(ctx, checkout()))
}

func TestDispatch_Metrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	push := testutil.NewFakeProvider("push").WithMessages(testutil.TriggeredMessage("a", "checkout"))
	f := newFixture(t, []provider.Provider{push}, WithMetrics(m))
	require.NoError(t, f.pipeline.SyncMessages(ctx))

	require.NoError(t, f.pipeline.Dispatch(ctx, model.AnalyticsPayload{Event: "pageView"}))
	require.NoError(t, f.pipeline.DispatchEvent(ctx, model.Event{Name: "login"}))
	require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Dispatches.WithLabelValues("ignored")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Dispatches.WithLabelValues("empty")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Dispatches.WithLabelValues("published")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.MessagesMatched))
}

func TestDispatch_Spans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	push := testutil.NewFakeProvider("push")
	f := newFixture(t, []provider.Provider{push}, WithTracer(tp.Tracer("test")))

	require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))

	names := make(map[string]bool)
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	assert.True(t, names["inapp.dispatch"])
	assert.True(t, names["inapp.provider.evaluate"])
}

func TestPipeline_NoProviders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.pipeline.SyncMessages(ctx))
	require.NoError(t, f.pipeline.ClearMessages(ctx))
	require.NoError(t, f.pipeline.DispatchEvent(ctx, checkout()))
	assert.Empty(t, f.publisher.publications())
}

