package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/observability/statsd"
)

const responseCacheKeyPrefix = "cache:"

// CachedResponse is the stored envelope for one cached HTTP response.
type CachedResponse struct {
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type"`
	ETag        string    `json:"etag"`
	StoredAt    time.Time `json:"stored_at"`
}

// ResponseCacheServiceOptions bundles dependencies for NewResponseCacheService.
type ResponseCacheServiceOptions struct {
	Cache   core.CacheRepository // Required: backing key-value store
	Tags    core.CacheTagIndex   // Required: reverse index for tag invalidation
	TTL     time.Duration        // Optional: entry lifetime, defaults to 5 minutes
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink
}

// ResponseCacheService stores rendered HTTP responses in the shared cache and
// tracks the invalidation tags each entry carries.
type ResponseCacheService struct {
	cache   core.CacheRepository
	tags    core.CacheTagIndex
	ttl     time.Duration
	logger  *slog.Logger
	metrics statsd.Sink
}

const defaultResponseCacheTTL = 5 * time.Minute

// NewResponseCacheService creates a new ResponseCacheService.
func NewResponseCacheService(opts ResponseCacheServiceOptions) (*ResponseCacheService, error) {
	if opts.Cache == nil {
		return nil, errors.New("CacheRepository is required")
	}
	if opts.Tags == nil {
		return nil, errors.New("CacheTagIndex is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultResponseCacheTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "response_cache")
	}

	return &ResponseCacheService{
		cache:   opts.Cache,
		tags:    opts.Tags,
		ttl:     ttl,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Lookup returns the cached response for the fingerprint, or nil on a miss.
func (s *ResponseCacheService) Lookup(ctx context.Context, fingerprint string) (*CachedResponse, error) {
	raw, err := s.cache.Get(ctx, responseCacheKeyPrefix+fingerprint)
	if err != nil {
		s.emitLookupMetric("error")
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if raw == nil {
		s.emitLookupMetric("miss")
		return nil, nil
	}

	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// A corrupt entry is treated as a miss; drop it so it cannot
		// poison subsequent lookups.
		if _, delErr := s.cache.Delete(ctx, responseCacheKeyPrefix+fingerprint); delErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to drop corrupt cache entry", "fingerprint", fingerprint, "error", delErr)
		}
		s.emitLookupMetric("miss")
		return nil, nil
	}

	s.emitLookupMetric("hit")
	return &resp, nil
}

// StoreParams groups parameters for Store to keep param count ≤3.
type StoreParams struct {
	Fingerprint string
	Response    CachedResponse
	Tags        []string
	// TTL overrides the service default when positive.
	TTL time.Duration
}

// Store caches the response under the fingerprint and records its tags.
func (s *ResponseCacheService) Store(ctx context.Context, params StoreParams) error {
	raw, err := json.Marshal(params.Response)
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	key := responseCacheKeyPrefix + params.Fingerprint
	if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}

	if err := s.tags.Tag(ctx, key, params.Tags, ttl); err != nil {
		return fmt.Errorf("tag cache entry: %w", err)
	}

	return nil
}

// Invalidate removes every cached response tagged with exactly the given tag.
// Returns the number of entries removed.
func (s *ResponseCacheService) Invalidate(ctx context.Context, tag string) (int64, error) {
	removed, err := s.tags.InvalidateTag(ctx, tag)
	if err != nil {
		return 0, fmt.Errorf("invalidate tag %s: %w", tag, err)
	}

	if s.logger != nil && removed > 0 {
		s.logger.DebugContext(ctx, "cache tag invalidated", "tag", tag, "removed", removed)
	}
	if s.metrics != nil {
		s.metrics.Count("cache.invalidations", 1, map[string]string{"tag": tag})
		if removed > 0 {
			s.metrics.Count("cache.entries_invalidated", removed, map[string]string{"tag": tag})
		}
	}

	return removed, nil
}

// InvalidateByTag invalidates several tags at once and returns the total
// number of entries removed. Later tags are still processed after an earlier
// one fails; the first error is returned.
func (s *ResponseCacheService) InvalidateByTag(ctx context.Context, tags ...string) (int64, error) {
	var total int64
	var firstErr error
	for _, tag := range tags {
		removed, err := s.Invalidate(ctx, tag)
		if err != nil && firstErr == nil {
			firstErr = err
			continue
		}
		total += removed
	}
	return total, firstErr
}

func (s *ResponseCacheService) emitLookupMetric(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count("cache.lookups", 1, map[string]string{"result": result})
}

// Fingerprint derives the cache key material for a request: method, path,
// query parameters in sorted order, and the requesting user. Two requests
// share an entry only when all four match.
func Fingerprint(method, path string, query url.Values, user string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(path)
	b.WriteByte('|')
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}
	b.WriteByte('|')
	b.WriteString(user)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ETagFor computes a strong entity tag for a response body.
func ETagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}
