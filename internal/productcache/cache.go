// Package productcache keeps recently fetched catalog payloads in client-local
// storage so page loaders can render instantly while fresh data loads.
//
// Entries are stored as {"data": ..., "timestamp": <epoch millis>} under
// "<version>:<key>". Bumping the version orphans old entries without purging
// them. Every failure degrades to a cache miss; nothing is returned to callers.
package productcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/l0p7/storefront/internal/logging"
	"github.com/l0p7/storefront/internal/metrics"
	"github.com/l0p7/storefront/internal/storage"
)

const (
	DefaultVersion = "v1"
	DefaultTTL     = 30 * time.Minute
)

// Entry is the persisted envelope.
type Entry[T any] struct {
	Data      T     `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

type options struct {
	version string
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// Option customizes a Cache.
type Option func(*options)

// WithVersion sets the key prefix; bumping it orphans older entries.
func WithVersion(version string) Option {
	return func(o *options) {
		if version != "" {
			o.version = version
		}
	}
}

// WithTTL overrides the 30 minute entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly so tests can age entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records lookups, stores and clears.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *options) { o.metrics = rec }
}

// Cache is a keyed TTL cache for payloads of type T.
type Cache[T any] struct {
	store   storage.Storage
	version string
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New binds a cache to store. A nil or storage.Unavailable store yields a
// cache whose operations are all no-ops.
func New[T any](store storage.Storage, opts ...Option) *Cache[T] {
	o := options{version: DefaultVersion, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[T]{
		store:   store,
		version: o.version,
		ttl:     o.ttl,
		now:     o.now,
		logger:  logging.OrDiscard(o.logger).With(slog.String("agent", "product_cache")),
		metrics: o.metrics,
	}
}

// Key returns the storage key used for a logical key.
func (c *Cache[T]) Key(key string) string {
	return c.version + ":" + key
}

// Get returns the cached value for key. Missing, undecodable and expired
// entries all report false; expired entries are removed.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	if !storage.Available(c.store) {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupUnavailable, 0)
		return zero, false
	}
	start := time.Now()
	storageKey := c.Key(key)

	raw, ok, err := c.store.Get(ctx, storageKey)
	if err != nil {
		c.logger.Warn("error reading from cache", slog.String("key", storageKey), slog.Any("error", err))
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return zero, false
	}
	if !ok || raw == "" {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss, time.Since(start))
		return zero, false
	}

	var entry Entry[T]
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("error reading from cache", slog.String("key", storageKey), slog.Any("error", err))
		c.metrics.ObserveCacheLookup(metrics.CacheLookupCorrupt, time.Since(start))
		return zero, false
	}

	if c.now().UnixMilli()-entry.Timestamp > c.ttl.Milliseconds() {
		if err := c.store.Remove(ctx, storageKey); err != nil {
			c.logger.Warn("error evicting expired cache entry", slog.String("key", storageKey), slog.Any("error", err))
		}
		c.metrics.ObserveCacheLookup(metrics.CacheLookupExpired, time.Since(start))
		return zero, false
	}

	c.metrics.ObserveCacheLookup(metrics.CacheLookupHit, time.Since(start))
	return entry.Data, true
}

// Set stores value under key stamped with the current time. Encoding and
// storage failures, including quota errors, are logged and dropped.
func (c *Cache[T]) Set(ctx context.Context, key string, value T) {
	if !storage.Available(c.store) {
		return
	}
	start := time.Now()
	storageKey := c.Key(key)

	payload, err := json.Marshal(Entry[T]{Data: value, Timestamp: c.now().UnixMilli()})
	if err != nil {
		c.logger.Warn("error writing to cache", slog.String("key", storageKey), slog.Any("error", err))
		c.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		return
	}
	if err := c.store.Set(ctx, storageKey, string(payload)); err != nil {
		c.logger.Warn("error writing to cache", slog.String("key", storageKey), slog.Any("error", err))
		c.metrics.ObserveCacheStore(metrics.CacheStoreError, time.Since(start))
		return
	}
	c.metrics.ObserveCacheStore(metrics.CacheStoreStored, time.Since(start))
}

// Clear removes a single entry.
func (c *Cache[T]) Clear(ctx context.Context, key string) {
	if !storage.Available(c.store) {
		return
	}
	if err := c.store.Remove(ctx, c.Key(key)); err != nil {
		c.logger.Warn("error clearing cache entry", slog.String("key", c.Key(key)), slog.Any("error", err))
	}
}

// ClearAll removes every entry under the current version prefix. Keys from
// other versions and unrelated storage entries are left alone.
func (c *Cache[T]) ClearAll(ctx context.Context) {
	if !storage.Available(c.store) {
		return
	}
	start := time.Now()
	if err := c.store.DeletePrefix(ctx, c.version+":"); err != nil {
		c.logger.Warn("error clearing cache", slog.Any("error", err))
		c.metrics.ObserveCacheClear(false, time.Since(start))
		return
	}
	c.metrics.ObserveCacheClear(true, time.Since(start))
}
