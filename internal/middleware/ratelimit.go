package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Cyvadra/tv-compliance/internal/config"
)

// RateLimiter decides whether a request identified by key may proceed
type RateLimiter interface {
	Allow(key string) bool
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter keeps one token bucket per key
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewTokenBucketLimiter creates a limiter refilling rps tokens per second up to burst
func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		buckets: make(map[string]*limiterEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// NewRateLimiter builds the limiter described by cfg, or nil when disabled
func NewRateLimiter(cfg config.RateLimitConfig) RateLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewTokenBucketLimiter(cfg.RequestsPerSecond, cfg.Burst)
}

// Allow consumes one token from the bucket of key
func (l *TokenBucketLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Evict drops buckets not used for longer than idle and returns how many were dropped
func (l *TokenBucketLimiter) Evict(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, entry := range l.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked keys
func (l *TokenBucketLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimit rejects requests with 429 once the bucket for the path parameter
// param is empty. A nil limiter lets every request through.
func RateLimit(limiter RateLimiter, param string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		key := c.Param(param)
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.Allow(key) {
			logger.Warn().
				Str("request_id", GetRequestID(c)).
				Str("path", c.FullPath()).
				Msg("Rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "rate limit exceeded",
				"allowTrade": false,
			})
			return
		}
		c.Next()
	}
}
