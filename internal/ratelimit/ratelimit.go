// Package ratelimit throttles HTTP callers with a token bucket per client.
// It guards the API surface; the per-wallet transaction limit lives in policy.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures a Limiter.
type Config struct {
	RequestsPerMinute int
	Burst             int
	// Idle buckets older than this are dropped by Sweep.
	IdleTTL time.Duration
}

// DefaultConfig allows one request per second on average with bursts of 20.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, Burst: 20, IdleTTL: 5 * time.Minute}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter tracks one bucket per key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a limiter. Non-positive fields fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket), now: time.Now}
}

// Allow spends one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.Burst - 1), seen: now}
		return true
	}

	b.tokens += now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60
	if capacity := float64(l.cfg.Burst); b.tokens > capacity {
		b.tokens = capacity
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Sweep drops idle buckets and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	n := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Run sweeps every IdleTTL until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	t := time.NewTicker(l.cfg.IdleTTL)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// Middleware rejects callers whose bucket is empty with 429, keyed by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(max(1, 60/l.cfg.RequestsPerMinute))
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
