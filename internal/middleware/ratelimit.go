package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/hemis-audit/hemis-bot/internal/config"
)

// RateLimitConfig holds the per-client token bucket settings
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
	// CleanupInterval is how often idle clients are evicted
	CleanupInterval time.Duration
	// IdleTTL is how long a client may stay silent before eviction
	IdleTTL time.Duration
}

// RateLimitConfigFrom converts the security.rate_limiting settings.
func RateLimitConfigFrom(cfg *config.RateLimitingConfig) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.Burst,
		CleanupInterval:   5 * time.Minute,
		IdleTTL:           10 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one x/time/rate limiter per client key
type RateLimiter struct {
	cfg      RateLimitConfig
	limit    rate.Limit
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter starts a limiter and its eviction goroutine; call Stop to
// end it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	rl := &RateLimiter{
		cfg:      cfg,
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		visitors: make(map[string]*visitor),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.cfg.IdleTTL)
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// Stop ends the eviction goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) lookup(key string, now time.Time) *visitor {
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.cfg.Burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v
}

// Allow consumes one token for key. When the bucket is empty it returns false
// together with how long until the next token is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	lim := rl.lookup(key, now).limiter
	if lim.AllowN(now, 1) {
		return true, 0
	}
	if rl.limit <= 0 {
		return false, time.Minute
	}
	missing := 1 - lim.TokensAt(now)
	return false, time.Duration(missing / float64(rl.limit) * float64(time.Second))
}

// RateLimitMiddleware answers 429 with Retry-After once a client IP has used
// up its bucket.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.Allow("ip:" + c.ClientIP())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": secs,
			})
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
		c.Next()
	}
}
