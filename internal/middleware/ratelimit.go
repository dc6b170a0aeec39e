package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"safeyou-chat/internal/config"
)

const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimiter hands out one token bucket per user.
type RateLimiter struct {
	mu     sync.Mutex
	m      map[string]*limiterEntry
	limit  rate.Limit
	burst  int
	now    func() time.Time
	sweepN int
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		m:     make(map[string]*limiterEntry),
		limit: rate.Limit(rps),
		burst: burst,
		now:   time.Now,
	}
}

// Allow takes one token from key's bucket.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	now := r.now()
	e, ok := r.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.m[key] = e
	}
	e.seen = now
	r.sweepN++
	if r.sweepN >= 1024 {
		r.sweepN = 0
		for k, v := range r.m {
			if now.Sub(v.seen) > limiterIdle {
				delete(r.m, k)
			}
		}
	}
	r.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the caller's budget with 429. Must run
// after Identity.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(c.GetString("userID")) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
