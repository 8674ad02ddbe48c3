package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospectly/courier/internal/core"
)

// memCache is an in-memory CacheRepository for tests. TTLs are recorded but
// not enforced; tests assert on them directly.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	ttls    map[string]time.Duration

	getErr error
	setErr error
}

func newMemCache() *memCache {
	return &memCache{
		entries: make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
	}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (c *memCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	delete(c.ttls, key)
	return ok, nil
}

func (c *memCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *memCache) SetTTL(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	c.ttls[key] = ttl
	return true, nil
}

func (c *memCache) SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return false, nil
	}
	return true, c.Set(ctx, key, value, ttl)
}

func (c *memCache) Health(context.Context) error { return nil }

func (c *memCache) ttlOf(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttls[key]
}

var _ core.CacheRepository = (*memCache)(nil)

// memTagIndex is an in-memory CacheTagIndex backed by a memCache.
type memTagIndex struct {
	cache *memCache

	mu   sync.Mutex
	tags map[string][]string // tag -> entry keys
}

func newMemTagIndex(cache *memCache) *memTagIndex {
	return &memTagIndex{cache: cache, tags: make(map[string][]string)}
}

func (i *memTagIndex) Tag(_ context.Context, entryKey string, tags []string, _ time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, tag := range tags {
		i.tags[tag] = append(i.tags[tag], entryKey)
	}
	return nil
}

func (i *memTagIndex) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	i.mu.Lock()
	keys := i.tags[tag]
	delete(i.tags, tag)
	i.mu.Unlock()

	var removed int64
	for _, key := range keys {
		ok, err := i.cache.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

var _ core.CacheTagIndex = (*memTagIndex)(nil)

func newTestResponseCache(t *testing.T) (*ResponseCacheService, *memCache, *memTagIndex) {
	t.Helper()
	cache := newMemCache()
	tags := newMemTagIndex(cache)
	svc, err := NewResponseCacheService(ResponseCacheServiceOptions{
		Cache: cache,
		Tags:  tags,
		TTL:   time.Minute,
	})
	require.NoError(t, err)
	return svc, cache, tags
}

func TestNewResponseCacheService(t *testing.T) {
	cache := newMemCache()
	tags := newMemTagIndex(cache)

	t.Run("missing cache", func(t *testing.T) {
		_, err := NewResponseCacheService(ResponseCacheServiceOptions{Tags: tags})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CacheRepository is required")
	})

	t.Run("missing tag index", func(t *testing.T) {
		_, err := NewResponseCacheService(ResponseCacheServiceOptions{Cache: cache})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CacheTagIndex is required")
	})

	t.Run("zero ttl uses default", func(t *testing.T) {
		svc, err := NewResponseCacheService(ResponseCacheServiceOptions{Cache: cache, Tags: tags})
		require.NoError(t, err)
		assert.Equal(t, defaultResponseCacheTTL, svc.ttl)
	})
}

func TestResponseCacheStoreAndLookup(t *testing.T) {
	svc, cache, _ := newTestResponseCache(t)
	ctx := context.Background()

	resp := CachedResponse{
		Body:        []byte(`{"items":[]}`),
		ContentType: "application/json",
		ETag:        `"abc"`,
		StoredAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, svc.Store(ctx, StoreParams{
		Fingerprint: "fp1",
		Response:    resp,
		Tags:        []string{"products"},
	}))

	got, err := svc.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, resp.Body, got.Body)
	assert.Equal(t, resp.ContentType, got.ContentType)
	assert.Equal(t, resp.ETag, got.ETag)

	// Entry lives under the prefixed key with the service TTL.
	assert.Equal(t, time.Minute, cache.ttlOf(responseCacheKeyPrefix+"fp1"))
}

func TestResponseCacheStoreTTLOverride(t *testing.T) {
	svc, cache, _ := newTestResponseCache(t)

	require.NoError(t, svc.Store(context.Background(), StoreParams{
		Fingerprint: "fp-short",
		Response:    CachedResponse{Body: []byte("x")},
		TTL:         10 * time.Second,
	}))

	assert.Equal(t, 10*time.Second, cache.ttlOf(responseCacheKeyPrefix+"fp-short"))
}

func TestResponseCacheLookupMiss(t *testing.T) {
	svc, _, _ := newTestResponseCache(t)

	got, err := svc.Lookup(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResponseCacheLookupErrorPropagates(t *testing.T) {
	svc, cache, _ := newTestResponseCache(t)
	cache.getErr = errors.New("redis gone")

	_, err := svc.Lookup(context.Background(), "fp1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache lookup")
}

func TestResponseCacheLookupDropsCorruptEntry(t *testing.T) {
	svc, cache, _ := newTestResponseCache(t)
	ctx := context.Background()

	key := responseCacheKeyPrefix + "fp-corrupt"
	require.NoError(t, cache.Set(ctx, key, []byte("not json"), time.Minute))

	got, err := svc.Lookup(ctx, "fp-corrupt")
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err := cache.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists, "corrupt entry should be evicted")
}

func TestResponseCacheInvalidateByTag(t *testing.T) {
	svc, cache, _ := newTestResponseCache(t)
	ctx := context.Background()

	store := func(fp string, tags ...string) {
		require.NoError(t, svc.Store(ctx, StoreParams{
			Fingerprint: fp,
			Response:    CachedResponse{Body: []byte(fp)},
			Tags:        tags,
		}))
	}
	store("list-products", "products")
	store("get-product-1", "products", "product:1")
	store("list-leads", "leads")

	removed, err := svc.InvalidateByTag(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	// Untagged entries survive.
	exists, err := cache.Exists(ctx, responseCacheKeyPrefix+"list-leads")
	require.NoError(t, err)
	assert.True(t, exists)

	// Exact tag match only; "product:1" was not invalidated by "products".
	removed, err = svc.InvalidateByTag(ctx, "product:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed, "entry was already removed via its other tag")
}

func TestResponseCacheInvalidateByTagMultiple(t *testing.T) {
	svc, _, _ := newTestResponseCache(t)
	ctx := context.Background()

	require.NoError(t, svc.Store(ctx, StoreParams{
		Fingerprint: "p", Response: CachedResponse{Body: []byte("p")}, Tags: []string{"products"},
	}))
	require.NoError(t, svc.Store(ctx, StoreParams{
		Fingerprint: "l", Response: CachedResponse{Body: []byte("l")}, Tags: []string{"leads"},
	}))

	removed, err := svc.InvalidateByTag(ctx, "products", "leads", "unknown")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestFingerprint(t *testing.T) {
	base := Fingerprint("GET", "/api/products", url.Values{"page": {"1"}}, "user-1")

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, base, Fingerprint("GET", "/api/products", url.Values{"page": {"1"}}, "user-1"))
	})

	t.Run("query order does not matter", func(t *testing.T) {
		a := Fingerprint("GET", "/api/products", url.Values{"a": {"1"}, "b": {"2"}}, "u")
		b := Fingerprint("GET", "/api/products", url.Values{"b": {"2"}, "a": {"1"}}, "u")
		assert.Equal(t, a, b)
	})

	t.Run("varies by user", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint("GET", "/api/products", url.Values{"page": {"1"}}, "user-2"))
	})

	t.Run("varies by path", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint("GET", "/api/leads", url.Values{"page": {"1"}}, "user-1"))
	})

	t.Run("varies by method", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint("HEAD", "/api/products", url.Values{"page": {"1"}}, "user-1"))
	})
}

func TestETagFor(t *testing.T) {
	a := ETagFor([]byte("body"))
	b := ETagFor([]byte("body"))
	c := ETagFor([]byte("other"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, len(a) > 2 && a[0] == '"' && a[len(a)-1] == '"', "etag should be quoted")
}
