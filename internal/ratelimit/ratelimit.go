// Package ratelimit provides per-client token bucket middleware for the API.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// IdleTTL drops a client's bucket after this long without requests
	IdleTTL time.Duration
	// MaxClients caps tracked buckets; the least recently used are evicted
	MaxClients int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10, // Allow bursts of 10
		IdleTTL:           2 * time.Minute,
		MaxClients:        100_000,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *bucket]
	stop    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its eviction loop. Call Stop to end it.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	l := &Limiter{
		cfg: cfg,
		now: time.Now,
		buckets: ttlcache.New(
			ttlcache.WithTTL[string, *bucket](cfg.IdleTTL),
			ttlcache.WithCapacity[string, *bucket](uint64(cfg.MaxClients)),
		),
	}
	go l.buckets.Start()
	return l
}

// WithClock overrides the time source. For tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Stop stops the eviction loop. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stop.Do(l.buckets.Stop)
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	item := l.buckets.Get(key) // refreshes the idle TTL
	if item == nil {
		l.buckets.Set(key, &bucket{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}, ttlcache.DefaultTTL)
		return l.cfg.BurstSize > 0
	}
	state := item.Value()

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens += elapsed * tokensPerSecond

	// Cap at burst size
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// Tracked returns the number of client buckets held.
func (l *Limiter) Tracked() int {
	return l.buckets.Len()
}

// Middleware returns a Gin middleware that rate limits by API key, or by
// client IP for anonymous requests.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
			sum := sha256.Sum256([]byte(apiKey))
			key = "key:" + hex.EncodeToString(sum[:8])
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
