package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/inapp/internal/metrics"
	"github.com/roach88/inapp/internal/model"
	"github.com/roach88/inapp/internal/storage"
)

// KeySuffix is appended to a provider name to form its cache key.
const KeySuffix = "_inAppMessages"

// Key returns the storage key of a provider's cache slot.
func Key(providerName string) string {
	return providerName + KeySuffix
}

// SyncState is the storage synchronisation state.
type SyncState int

const (
	Unsynced SyncState = iota
	Syncing
	Synced
)

func (s SyncState) String() string {
	switch s {
	case Unsynced:
		return "unsynced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Cache is the per-provider message cache.
type Cache struct {
	store   storage.Storage
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  SyncState
	flight singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for swallowed failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records sync attempts and storage errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a cache over store. The cache starts Unsynced.
func New(store storage.Storage, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current sync state.
func (c *Cache) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureSynced syncs the backing storage unless a previous sync succeeded.
// It reports whether storage is synced afterwards. A failed sync leaves the
// cache Unsynced so the next operation retries.
func (c *Cache) EnsureSynced(ctx context.Context) bool {
	if c.State() == Synced {
		return true
	}

	result, _, _ := c.flight.Do("sync", func() (any, error) {
		c.mu.Lock()
		if c.state == Synced {
			c.mu.Unlock()
			return true, nil
		}
		c.state = Syncing
		c.mu.Unlock()

		err := c.sync(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.state = Unsynced
			c.metrics.SyncAttempt(false)
			c.logger.WarnContext(ctx, "storage sync failed", "error", err)
			return false, nil
		}
		c.state = Synced
		c.metrics.SyncAttempt(true)
		return true, nil
	})

	synced, _ := result.(bool)
	return synced
}

func (c *Cache) sync(ctx context.Context) error {
	syncer, ok := c.store.(storage.Syncer)
	if !ok {
		return nil
	}
	return syncer.Sync(ctx)
}

// Read returns the messages cached for providerName. An absent slot reads
// as an empty sequence. ok is false when storage or decoding failed; callers
// must treat that as "no messages available".
func (c *Cache) Read(ctx context.Context, providerName string) (messages []model.Message, ok bool) {
	c.EnsureSynced(ctx)

	key := Key(providerName)
	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.metrics.StorageError("read")
		c.logger.WarnContext(ctx, "cache read failed", "provider", providerName, "key", key, "error", err)
		return nil, false
	}
	if !found {
		return []model.Message{}, true
	}

	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		c.metrics.StorageError("decode")
		c.logger.WarnContext(ctx, "cache entry corrupted", "provider", providerName, "key", key, "error", err)
		return nil, false
	}
	if messages == nil {
		messages = []model.Message{}
	}
	return messages, true
}

// Write replaces providerName's slot with messages. A nil slice is a no-op;
// an empty non-nil slice is stored as an empty sequence.
func (c *Cache) Write(ctx context.Context, providerName string, messages []model.Message) {
	if messages == nil {
		return
	}
	c.EnsureSynced(ctx)

	key := Key(providerName)
	raw, err := json.Marshal(messages)
	if err != nil {
		c.metrics.StorageError("encode")
		c.logger.ErrorContext(ctx, "cache encode failed", "provider", providerName, "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, string(raw)); err != nil {
		c.metrics.StorageError("write")
		c.logger.ErrorContext(ctx, "cache write failed", "provider", providerName, "key", key, "error", err)
	}
}

// Clear removes providerName's slot.
func (c *Cache) Clear(ctx context.Context, providerName string) {
	c.EnsureSynced(ctx)

	key := Key(providerName)
	if err := c.store.Remove(ctx, key); err != nil {
		c.metrics.StorageError("remove")
		c.logger.ErrorContext(ctx, "cache clear failed", "provider", providerName, "key", key, "error", err)
	}
}
