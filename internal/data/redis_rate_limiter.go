package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/domain/model"
)

const rateLimitKeyPrefix = "ratelimit:"

// RateLimitRule describes a per-queue send budget as sends per fixed window.
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

// RedisRateLimiter implements the RateLimiter interface with a fixed-window
// counter in Redis. The counter is shared, so reservations taken by any
// worker process count against the same budget.
type RedisRateLimiter struct {
	client       redis.UniversalClient
	rules        map[model.Queue]RateLimitRule
	timeProvider TimeProvider
}

// NewRedisRateLimiter creates a new RedisRateLimiter with the given client and rules.
// Queues without a rule are unlimited.
func NewRedisRateLimiter(client redis.UniversalClient, rules map[model.Queue]RateLimitRule) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:       client,
		rules:        rules,
		timeProvider: &RealTimeProvider{},
	}
}

// WithTimeProvider overrides the time source (useful for tests).
func (r *RedisRateLimiter) WithTimeProvider(tp TimeProvider) *RedisRateLimiter {
	r.timeProvider = tp
	return r
}

// Reserve attempts to consume one send from the queue's budget. The INCR and
// EXPIRE run in a single pipeline so a crashed client cannot leave an
// unexpiring counter behind.
func (r *RedisRateLimiter) Reserve(ctx context.Context, queue model.Queue) (core.ReserveResult, error) {
	rule, ok := r.rules[queue]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return core.ReserveResult{Allowed: true}, nil
	}

	now := r.timeProvider.Now()
	windowStart := now.Truncate(rule.Window)
	key := rateLimitKeyPrefix + string(queue) + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	// One extra window of slack so late readers of the key still see it.
	pipe.ExpireNX(ctx, key, rule.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.ReserveResult{}, fmt.Errorf("redis rate limit: %w", err)
	}

	count, err := incr.Result()
	if err != nil {
		return core.ReserveResult{}, fmt.Errorf("redis rate limit count: %w", err)
	}

	if count <= int64(rule.Limit) {
		return core.ReserveResult{Allowed: true}, nil
	}

	retryAfter := windowStart.Add(rule.Window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return core.ReserveResult{Allowed: false, RetryAfter: retryAfter}, nil
}
