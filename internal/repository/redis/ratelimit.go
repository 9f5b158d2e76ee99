package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rrens/llm-chat-relay/internal/domain"
)

const (
	rateLimitPrefix = "ratelimit:"
)

// RequestLimiter caps API calls per owner in fixed one-minute windows shared by every replica
type RequestLimiter struct {
	client            *Client
	requestsPerMinute int
	burst             int
	now               func() time.Time
}

// NewRequestLimiter creates a Redis-backed request limiter
func NewRequestLimiter(client *Client, requestsPerMinute, burst int) *RequestLimiter {
	return &RequestLimiter{
		client:            client,
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
		now:               time.Now,
	}
}

// Allow counts one request against key's current window
func (r *RequestLimiter) Allow(ctx context.Context, key string) (domain.Allowance, error) {
	now := r.now()
	windowEnd := now.Truncate(time.Minute).Add(time.Minute)
	fullKey := fmt.Sprintf("%s%s:%d", rateLimitPrefix, key, windowEnd.Unix())

	pipe := r.client.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, time.Minute)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.Allowance{}, fmt.Errorf("failed to execute rate limit check: %w", err)
	}

	count := incrCmd.Val()
	limit := int64(r.requestsPerMinute + r.burst)
	remaining := int(limit - count)
	if remaining < 0 {
		remaining = 0
	}

	return domain.Allowance{
		Allowed:   count <= limit,
		Limit:     int(limit),
		Remaining: remaining,
		ResetAt:   windowEnd,
	}, nil
}
