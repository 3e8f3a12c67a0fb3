package middleware

import (
	"strconv"
	"sync"
	"time"

	"billscan_worker/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RateLimiter is a fixed-window limiter keyed by user id, or by IP for
// unauthenticated requests.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*requestInfo
	limit    int
	window   time.Duration
	now      func() time.Time
	swept    time.Time
}

type requestInfo struct {
	count     int
	expiresAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string]*requestInfo),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// sweep drops expired windows at most once per window. Caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.swept) < rl.window {
		return
	}
	rl.swept = now
	for key, info := range rl.requests {
		if now.After(info.expiresAt) {
			delete(rl.requests, key)
		}
	}
}

func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			key = "user:" + uid.String()
		}

		rl.mu.Lock()
		now := rl.now()
		rl.sweep(now)

		info, exists := rl.requests[key]
		if !exists || now.After(info.expiresAt) {
			info = &requestInfo{expiresAt: now.Add(rl.window)}
			rl.requests[key] = info
		}
		if info.count >= rl.limit {
			retryAfter := int(info.expiresAt.Sub(now).Seconds()) + 1
			reset := info.expiresAt
			rl.mu.Unlock()

			setRateLimitHeaders(c, rl.limit, 0, reset)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
			return apperr.New(apperr.CodeRateLimited, "rate limit exceeded", fiber.StatusTooManyRequests).
				WithDetail("retry_after", retryAfter)
		}
		info.count++
		remaining := rl.limit - info.count
		reset := info.expiresAt
		rl.mu.Unlock()

		setRateLimitHeaders(c, rl.limit, remaining, reset)
		return c.Next()
	}
}

func setRateLimitHeaders(c *fiber.Ctx, limit, remaining int, reset time.Time) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}
