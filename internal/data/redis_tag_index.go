package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const tagKeyPrefix = "cachetag:"

// RedisTagIndex implements the CacheTagIndex interface using Redis sets.
// Each tag maps to the set of cache entry keys that carry it.
type RedisTagIndex struct {
	client redis.UniversalClient
}

// NewRedisTagIndex creates a new RedisTagIndex with the given Redis client.
func NewRedisTagIndex(client redis.UniversalClient) *RedisTagIndex {
	return &RedisTagIndex{client: client}
}

// Tag records the cache entry under each tag's set. The set TTL is extended
// to at least the entry TTL so the index never outlives its last entry by
// less than the entry itself.
func (r *RedisTagIndex) Tag(ctx context.Context, entryKey string, tags []string, ttl time.Duration) error {
	if entryKey == "" {
		return errors.New("entry key cannot be empty")
	}
	if len(tags) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		key := tagKeyPrefix + tag
		pipe.SAdd(ctx, key, entryKey)
		if ttl > 0 {
			// GT keeps the longest remaining TTL when entries share a tag.
			pipe.ExpireGT(ctx, key, ttl)
			pipe.ExpireNX(ctx, key, ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis tag index: %w", err)
	}
	return nil
}

// InvalidateTag deletes every cache entry recorded under exactly the given
// tag, then clears the tag's set. Returns the number of entries removed.
func (r *RedisTagIndex) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	if tag == "" {
		return 0, errors.New("tag cannot be empty")
	}

	key := tagKeyPrefix + tag
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis smembers: %w", err)
	}

	var removed int64
	if len(members) > 0 {
		removed, err = r.client.Del(ctx, members...).Result()
		if err != nil {
			return 0, fmt.Errorf("redis del entries: %w", err)
		}
	}

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return removed, fmt.Errorf("redis del tag set: %w", err)
	}

	return removed, nil
}
