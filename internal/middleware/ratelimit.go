package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/response"
)

// RateCounter counts hits on key within a fixed window. It returns the count
// including this hit and when the window resets.
type RateCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// RedisRateCounter shares budgets across instances through INCR + PEXPIRE
type RedisRateCounter struct {
	client *database.RedisClient
}

// NewRedisRateCounter creates a new RedisRateCounter
func NewRedisRateCounter(client *database.RedisClient) *RedisRateCounter {
	return &RedisRateCounter{client: client}
}

// Hit implements RateCounter
func (r *RedisRateCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if r.client.IsDegraded() {
		return 0, time.Time{}, database.ErrDegraded
	}

	pipe := r.client.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the first hit's expiry so the window does not slide
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count request: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), time.Now().Add(remaining), nil
}

// MemoryRateCounter is the per-instance fallback while Redis is degraded
type MemoryRateCounter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count   int64
	resetAt time.Time
}

// NewMemoryRateCounter creates a new MemoryRateCounter
func NewMemoryRateCounter() *MemoryRateCounter {
	return &MemoryRateCounter{windows: make(map[string]*rateWindow), now: time.Now}
}

// Hit implements RateCounter
func (m *MemoryRateCounter) Hit(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		m.windows[key] = w
		m.evictLocked(now)
	}
	w.count++
	return w.count, w.resetAt, nil
}

// evictLocked drops expired windows so idle keys do not accumulate
func (m *MemoryRateCounter) evictLocked(now time.Time) {
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
		}
	}
}

// RateLimiter throttles one route group. Budgets are per user when the auth
// middleware ran first, per client IP otherwise.
type RateLimiter struct {
	name     string
	requests int
	window   time.Duration
	primary  RateCounter
	fallback RateCounter
}

// NewRateLimiter creates a limiter allowing requests per window. fallback
// serves while primary fails and may be nil, in which case requests pass.
func NewRateLimiter(name string, requests int, window time.Duration, primary, fallback RateCounter) *RateLimiter {
	return &RateLimiter{
		name:     name,
		requests: requests,
		window:   window,
		primary:  primary,
		fallback: fallback,
	}
}

// Middleware returns a Gin middleware enforcing the limit
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("ratelimit:%s:%s", rl.name, identifier(c))

		count, resetAt, err := rl.primary.Hit(c.Request.Context(), key, rl.window)
		if err != nil {
			if rl.fallback == nil {
				logger.Warn("Rate limit check failed, allowing request",
					zap.String("limiter", rl.name),
					zap.Error(err))
				c.Next()
				return
			}
			logger.Debug("Using in-memory rate limiting",
				zap.String("limiter", rl.name),
				zap.Error(err))
			count, resetAt, _ = rl.fallback.Hit(c.Request.Context(), key, rl.window)
		}

		remaining := int64(rl.requests) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if count > int64(rl.requests) {
			retryAfter := int(time.Until(resetAt).Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			response.FromError(c, apperrors.RateLimitedError().WithDetails(gin.H{
				"limit":       rl.requests,
				"retry_after": retryAfter,
			}))
			c.Abort()
			return
		}

		c.Next()
	}
}

func identifier(c *gin.Context) string {
	if userID, ok := c.Get("user_id"); ok {
		return fmt.Sprintf("user:%v", userID)
	}
	return "ip:" + c.ClientIP()
}
