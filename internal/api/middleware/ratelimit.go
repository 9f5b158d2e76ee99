package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Rrens/llm-chat-relay/internal/api/response"
	"github.com/Rrens/llm-chat-relay/internal/domain"
)

// RequestLimiter caps API calls per key
type RequestLimiter interface {
	Allow(ctx context.Context, key string) (domain.Allowance, error)
}

// LocalLimiter is a per-process token bucket per key, used when no Redis is configured
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	perMin   int
	burst    int
	now      func() time.Time
}

// NewLocalLimiter allows requestsPerMinute sustained with bursts of burst
func NewLocalLimiter(requestsPerMinute, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(requestsPerMinute) / 60),
		perMin:   requestsPerMinute,
		burst:    burst,
		now:      time.Now,
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, key string) (domain.Allowance, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	now := l.now()
	allowed := lim.AllowN(now, 1)

	tokens := lim.TokensAt(now)
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}

	var wait time.Duration
	if tokens < 1 && l.limit > 0 {
		wait = time.Duration((1 - tokens) / float64(l.limit) * float64(time.Second))
	}

	return domain.Allowance{
		Allowed:   allowed,
		Limit:     l.perMin,
		Remaining: remaining,
		ResetAt:   now.Add(wait),
	}, nil
}

// RateLimitMiddleware handles rate limiting
type RateLimitMiddleware struct {
	limiter RequestLimiter
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(limiter RequestLimiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter}
}

// Limit applies rate limiting based on the owner
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, ok := GetOwner(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthorized")
			return
		}

		allowance, err := m.limiter.Allow(r.Context(), owner)
		if err != nil {
			// If rate limiter fails, allow the request but log the error
			log.Error().Err(err).Str("owner", owner).Msg("request limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(allowance.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(allowance.Remaining))
		w.Header().Set("X-RateLimit-Reset", allowance.ResetAt.UTC().Format(time.RFC3339))

		if !allowance.Allowed {
			retry := int(time.Until(allowance.ResetAt).Seconds() + 0.999)
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			response.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
