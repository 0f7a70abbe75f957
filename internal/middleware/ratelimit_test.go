package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clawboard/internal/config"
	"clawboard/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newLimitedRouter(rl config.RateLimitingConfig, clock *fakeClock) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rateLimit(rl, clock.now))
	r.GET("/api/tickets", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/sessions/activity", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, path, ip string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":12345"
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimit_Disabled(t *testing.T) {
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: false, RequestsPerMinute: 1, Burst: 1}, &fakeClock{t: time.Now()})
	for i := 0; i < 50; i++ {
		assert.Equal(t, http.StatusOK, hit(r, "/api/tickets", "10.0.0.1"))
	}
}

func TestRateLimit_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newLimitedRouter(config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 60, Burst: 3}, clock)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(r, "/api/tickets", "10.0.0.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "/api/tickets", "10.0.0.1"))

	// 其他客户端有独立的桶
	assert.Equal(t, http.StatusOK, hit(r, "/api/tickets", "10.0.0.2"))

	clock.t = clock.t.Add(time.Second)
	assert.Equal(t, http.StatusOK, hit(r, "/api/tickets", "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "/api/tickets", "10.0.0.1"))
}

func TestRateLimit_PathOverrideAndMetrics(t *testing.T) {
	_, before := metrics.RateLimitSnapshot()
	clock := &fakeClock{t: time.Now()}
	rl := config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 600,
		Burst:             100,
		Paths: []config.PathRateLimitConfig{
			{Enabled: true, Prefix: "/api/sessions", RequestsPerMinute: 1, Burst: 1},
		},
	}
	r := newLimitedRouter(rl, clock)

	assert.Equal(t, http.StatusOK, hit(r, "/api/sessions/activity", "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "/api/sessions/activity", "10.0.0.1"))
	assert.Equal(t, http.StatusOK, hit(r, "/api/tickets", "10.0.0.1"))

	_, after := metrics.RateLimitSnapshot()
	assert.Equal(t, uint64(1), after["/api/sessions"]-before["/api/sessions"])
}

func TestRateLimit_Whitelist(t *testing.T) {
	rl := config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1, WhitelistIPs: []string{"127.0.0.1"}}
	r := newLimitedRouter(rl, &fakeClock{t: time.Now()})
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(r, "/api/tickets", "127.0.0.1"))
	}
}

func TestRateLimit_FromConfigDefaults(t *testing.T) {
	cfg := config.GetDefaultConfig()
	assert.NotNil(t, RateLimit(cfg))
}
