package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"clawboard/internal/config"
	"clawboard/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶，按分钟速率补充，容量为 burst
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// limiter 一组按客户端 IP 划分的令牌桶
type limiter struct {
	prefix  string
	rpm     int
	burst   int
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newLimiter(prefix string, rpm, burst int) *limiter {
	return &limiter{prefix: prefix, rpm: rpm, burst: burst, buckets: make(map[string]*tokenBucket)}
}

func (l *limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.rpm, l.burst, now)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.allow(now)
}

// RateLimit 按 security.rate_limiting 做每客户端限流；
// 路径前缀覆盖优先于全局配置，白名单 IP 不受限
func RateLimit(cfg *config.Config) gin.HandlerFunc {
	return rateLimit(cfg.Security.RateLimiting, time.Now)
}

func rateLimit(rl config.RateLimitingConfig, now func() time.Time) gin.HandlerFunc {
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*limiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newLimiter(p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *limiter
	if rl.RequestsPerMinute > 0 {
		global = newLimiter("", rl.RequestsPerMinute, rl.Burst)
	}
	whitelist := make(map[string]bool, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[strings.TrimSpace(ip)] = true
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if whitelist[key] {
			c.Next()
			return
		}

		l := global
		path := c.Request.URL.Path
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				l = pl
				break
			}
		}
		if l == nil {
			c.Next()
			return
		}

		if !l.allow(key, now()) {
			metrics.IncRateLimitDrop(l.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
