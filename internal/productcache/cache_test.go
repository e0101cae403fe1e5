package productcache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/l0p7/storefront/internal/metrics"
	"github.com/l0p7/storefront/internal/storage"
	"github.com/stretchr/testify/require"
)

type product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSetThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	cache := New[[]product](storage.NewMemory(0))

	want := []product{{ID: "p1", Name: "Hoodie", Price: 42}, {ID: "p2", Name: "Cap", Price: 12.5}}
	cache.Set(ctx, "products", want)

	got, ok := cache.Get(ctx, "products")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestGetMissingKey(t *testing.T) {
	cache := New[string](storage.NewMemory(0))
	got, ok := cache.Get(context.Background(), "never-written")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestGetExpiresAndEvicts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(0)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	cache := New[string](store, WithClock(clock.Now))

	cache.Set(ctx, "k", "value")

	clock.Advance(30 * time.Minute)
	got, ok := cache.Get(ctx, "k")
	require.True(t, ok, "entry exactly at the TTL boundary is still fresh")
	require.Equal(t, "value", got)

	clock.Advance(time.Millisecond)
	_, ok = cache.Get(ctx, "k")
	require.False(t, ok)

	_, present, err := store.Get(ctx, "v1:k")
	require.NoError(t, err)
	require.False(t, present, "expired entry must be evicted on read")
}

func TestGetCorruptEntryIsMissAndLogged(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(0)
	require.NoError(t, store.Set(ctx, "v1:products", "{not json"))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	cache := New[[]product](store, WithLogger(logger))

	_, ok := cache.Get(ctx, "products")
	require.False(t, ok)
	require.Contains(t, logs.String(), "error reading from cache")
}

func TestSetQuotaFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	cache := New[string](storage.NewMemory(8), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	cache.Set(ctx, "big", strings.Repeat("x", 64))

	_, ok := cache.Get(ctx, "big")
	require.False(t, ok)
	require.Contains(t, logs.String(), "error writing to cache")
}

func TestClearAllOnlyTouchesCurrentVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(0)
	require.NoError(t, store.Set(ctx, "v0:products", "legacy"))
	require.NoError(t, store.Set(ctx, "init-reload-timestamp", "1"))

	cache := New[int](store)
	cache.Set(ctx, "a", 1)
	cache.Set(ctx, "b", 2)

	cache.ClearAll(ctx)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"init-reload-timestamp", "v0:products"}, keys)
}

func TestVersionPrefixIsolatesEntries(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory(0)

	New[string](store, WithVersion("v1")).Set(ctx, "k", "old")
	v2 := New[string](store, WithVersion("v2"))

	_, ok := v2.Get(ctx, "k")
	require.False(t, ok)
	require.Equal(t, "v2:k", v2.Key("k"))
}

func TestClearSingleKey(t *testing.T) {
	ctx := context.Background()
	cache := New[int](storage.NewMemory(0))
	cache.Set(ctx, "a", 1)
	cache.Set(ctx, "b", 2)

	cache.Clear(ctx, "a")

	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	got, ok := cache.Get(ctx, "b")
	require.True(t, ok)
	require.Equal(t, 2, got)
}

func TestOutsideClientContextIsNoop(t *testing.T) {
	ctx := context.Background()
	for name, store := range map[string]storage.Storage{"nil": nil, "unavailable": storage.Unavailable{}} {
		store := store
		t.Run(name, func(t *testing.T) {
			cache := New[string](store)
			cache.Set(ctx, "k", "v")
			cache.Clear(ctx, "k")
			cache.ClearAll(ctx)
			_, ok := cache.Get(ctx, "k")
			require.False(t, ok)
		})
	}
}

type failingStore struct{ storage.Storage }

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk on fire")
}

func TestStorageReadErrorIsMiss(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	cache := New[string](failingStore{Storage: storage.NewMemory(0)}, WithMetrics(rec))
	_, ok := cache.Get(context.Background(), "k")
	require.False(t, ok)
}

func TestCustomTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(0)}
	cache := New[string](storage.NewMemory(0), WithClock(clock.Now), WithTTL(time.Second))

	cache.Set(ctx, "k", "v")
	clock.Advance(1001 * time.Millisecond)
	_, ok := cache.Get(ctx, "k")
	require.False(t, ok)
}
