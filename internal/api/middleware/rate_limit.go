package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/session-proxy/internal/secret"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	Enabled       bool
	MaxRequests   int
	WindowSeconds int
	ExemptPaths   []string
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled:       true,
		MaxRequests:   100,
		WindowSeconds: 60,
		ExemptPaths: []string{
			"/api/health",
			"/metrics",
		},
	}
}

// rateLimiter implements a sliding window rate limiter.
type rateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func newRateLimiter(maxRequests int, windowSeconds int) *rateLimiter {
	return &rateLimiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      time.Duration(windowSeconds) * time.Second,
		now:         time.Now,
	}
}

// isAllowed checks if a request from clientID is allowed.
// Returns (allowed, remaining, resetTimestamp).
func (rl *rateLimiter) isAllowed(clientID string) (bool, int, int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	reqs := rl.requests[clientID]
	valid := reqs[:0]
	for _, t := range reqs {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	remaining := rl.maxRequests - len(valid)
	resetTime := now.Add(rl.window).Unix()
	if len(valid) > 0 {
		resetTime = valid[0].Add(rl.window).Unix()
	}

	if len(valid) >= rl.maxRequests {
		rl.requests[clientID] = valid
		return false, 0, resetTime
	}

	valid = append(valid, now)
	rl.requests[clientID] = valid

	return true, remaining - 1, resetTime
}

// RateLimit returns a rate limiting middleware. Requests carrying a
// session key are limited per session, the rest per client IP. The
// cleanup loop stops with ctx.
func RateLimit(ctx context.Context, cfg *RateLimitConfig) gin.HandlerFunc {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}

	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limiter := newRateLimiter(cfg.MaxRequests, cfg.WindowSeconds)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.cleanup()
			}
		}
	}()

	return func(c *gin.Context) {
		path := c.Request.URL.Path

		for _, exempt := range cfg.ExemptPaths {
			if strings.HasPrefix(path, exempt) {
				c.Next()
				return
			}
		}

		allowed, remaining, resetTime := limiter.isAllowed(clientID(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))

		if !allowed {
			retryAfter := resetTime - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			AbortWithError(c, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", "rate_limit_exceeded")
			return
		}

		c.Next()
	}
}

// cleanup removes expired entries from the rate limiter.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for clientID, reqs := range rl.requests {
		valid := reqs[:0]
		for _, t := range reqs {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(rl.requests, clientID)
		} else {
			rl.requests[clientID] = valid
		}
	}
}

// clientID keys the limiter: the session key hash when present, otherwise
// the client IP.
func clientID(c *gin.Context) string {
	if key := SessionKey(c.Request); key != "" {
		return "session:" + secret.HashKey(key)
	}
	return "ip:" + getClientIP(c)
}

// getClientIP extracts the client IP, respecting reverse proxy headers.
func getClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return xri
	}
	return c.ClientIP()
}
