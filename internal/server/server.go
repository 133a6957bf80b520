// Package server exposes an engine over an HTTP admin API.
//
// Routes:
//
//	POST   /v1/messages/sync               sync every provider's cache
//	DELETE /v1/messages                    clear every provider's cache
//	POST   /v1/events                      dispatch an in-app event (Event JSON)
//	POST   /v1/interactions/{kind}         report displayed|dismissed|actionTaken (Message JSON)
//	GET    /v1/providers                   registered provider names
//	GET    /v1/providers/{name}/messages   a provider's cached messages
//	GET    /v1/lifecycle/stream            websocket of lifecycle notifications
//	GET    /healthz
//	GET    /metrics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roach88/inapp/internal/engine"
	"github.com/roach88/inapp/internal/lifecycle"
	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/provider"
)

// Engine is the part of engine.Engine the server drives.
type Engine interface {
	SyncMessages(ctx context.Context) error
	ClearMessages(ctx context.Context) error
	DispatchEvent(ctx context.Context, event model.Event) error
	Notify(ctx context.Context, kind model.LifecycleKind, message model.Message) error
	Providers() []string
	GetPluggable(name string) (provider.Provider, bool)
	CachedMessages(ctx context.Context, name string) ([]model.Message, bool)
	Subscribe(kind model.LifecycleKind, handler lifecycle.Handler) (*lifecycle.Subscription, error)
	Summaries(ctx context.Context) []engine.ProviderSummary
}

// interactionKinds maps URL segments to lifecycle kinds.
var interactionKinds = map[string]model.LifecycleKind{
	"displayed":   model.MessageDisplayed,
	"dismissed":   model.MessageDismissed,
	"actionTaken": model.MessageActionTaken,
}

// Server is the admin API.
type Server struct {
	engine   Engine
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	buffer   int
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithGatherer sets what /metrics serves. Defaults to the global registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// WithStreamBuffer sets how many notifications a slow stream client may
// lag behind before notifications are dropped.
func WithStreamBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// New builds the router for eng.
func New(eng Engine, opts ...Option) *Server {
	s := &Server{
		engine:   eng,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		buffer:   64,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages/sync", s.handleSync)
		r.Delete("/messages", s.handleClear)
		r.Post("/events", s.handleEvent)
		r.Post("/interactions/{kind}", s.handleInteraction)
		r.Get("/providers", s.handleProviders)
		r.Get("/providers/{name}/messages", s.handleProviderMessages)
		r.Get("/lifecycle/stream", s.handleStream)
	})

	s.handler = otelhttp.NewHandler(r, "inapp.admin")
	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	<-errCh
	return nil
}

// metricsMiddleware records RED metrics keyed by route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
			path = routeCtx.RoutePattern()
		}
		s.metrics.HTTPRequest(path, r.Method, strconv.Itoa(ww.Status()), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SyncMessages(r.Context()); err != nil {
		s.fail(w, r, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.engine.Summaries(r.Context())})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearMessages(r.Context()); err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event model.Event
	if err := decodeBody(w, r, &event); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if event.Name == "" {
		s.fail(w, r, http.StatusBadRequest, errors.New("event name is required"))
		return
	}
	if err := s.engine.DispatchEvent(r.Context(), event); err != nil {
		s.fail(w, r, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched", "event": event.Name})
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	segment := chi.URLParam(r, "kind")
	kind, ok := interactionKinds[segment]
	if !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("unknown interaction %q", segment))
		return
	}

	var message model.Message
	if err := decodeBody(w, r, &message); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Notify(r.Context(), kind, message); err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.engine.Providers()})
}

func (s *Server) handleProviderMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.engine.GetPluggable(name); !ok {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("provider %q not registered", name))
		return
	}

	messages, ok := s.engine.CachedMessages(r.Context(), name)
	if !ok {
		s.fail(w, r, http.StatusServiceUnavailable, fmt.Errorf("cache for %q unreadable", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "messages": messages})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
