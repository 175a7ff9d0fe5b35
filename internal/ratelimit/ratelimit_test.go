package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clk.Now
	return l, clk
}

func TestLimiterAllow(t *testing.T) {
	limiter, clk := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	key := "test-ip"

	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clk.Advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Only one token should have been replenished")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clk := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	limiter.Allow("idle")
	clk.Advance(3 * time.Minute)
	limiter.evictIdle(2 * time.Minute)

	limiter.mu.Lock()
	n := len(limiter.clients)
	limiter.mu.Unlock()
	if n != 0 {
		t.Errorf("Expected idle bucket to be evicted, %d remain", n)
	}

	limiter.Stop()
	limiter.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 120 {
		t.Errorf("Expected 120 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 20 {
		t.Errorf("Expected burst size 20, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

func TestMiddleware_KeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		switch c.GetHeader("X-Test-User") {
		case "":
		case "admin":
			c.Set(auth.ContextKeyActor, auth.Admin("admin"))
		default:
			c.Set(auth.ContextKeyActor, auth.User(c.GetHeader("X-Test-User")))
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	before := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("user"))

	if do("buyer_1") != http.StatusOK {
		t.Fatal("first request should pass")
	}
	if do("buyer_1") != http.StatusTooManyRequests {
		t.Fatal("second request from the same user should be limited")
	}
	if do("seller_1") != http.StatusOK {
		t.Fatal("another user has its own bucket")
	}
	for i := 0; i < 3; i++ {
		if do("admin") != http.StatusOK {
			t.Fatal("admins are not rate limited")
		}
	}

	if got := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("user")) - before; got != 1 {
		t.Errorf("Expected 1 limited user request, got %v", got)
	}
}
