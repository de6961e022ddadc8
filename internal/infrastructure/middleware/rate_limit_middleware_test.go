package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voxmesh/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		panic(err)
	}
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/rooms/:room/ws", NewUpgradeRateLimitMiddleware(cfg, nil), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remote string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rooms/standup/ws", nil)
	req.RemoteAddr = remote
	router.ServeHTTP(w, req)
	return w
}

func getForwarded(router http.Handler, remote, forwardedFor string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rooms/standup/ws", nil)
	req.RemoteAddr = remote
	req.Header.Set("X-Forwarded-For", forwardedFor)
	router.ServeHTTP(w, req)
	return w
}

func TestUpgradeRateLimit_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Upgrades.Enabled = false
	router := newLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000").Code)
	}
}

func TestUpgradeRateLimit_PerIP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Upgrades.RequestsPerSecond = 1
	cfg.RateLimiting.Upgrades.Burst = 1
	router := newLimitedRouter(cfg)

	require.Equal(t, http.StatusOK, get(router, "10.0.0.1:5000").Code)

	limited := get(router, "10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "RATE_LIMIT_EXCEEDED")

	// Another address has its own budget.
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:5000").Code)
}

func TestUpgradeRateLimit_ForwardedForIgnoredWithoutTrustedProxy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Upgrades.RequestsPerSecond = 1
	cfg.RateLimiting.Upgrades.Burst = 1
	router := newLimitedRouter(cfg)

	require.Equal(t, http.StatusOK, getForwarded(router, "10.0.0.1:5000", "203.0.113.1").Code)
	for _, hop := range []string{"203.0.113.2", "203.0.113.3", "198.51.100.9"} {
		assert.Equal(t, http.StatusTooManyRequests, getForwarded(router, "10.0.0.1:5000", hop).Code,
			"forged hop %s must not earn a fresh budget", hop)
	}
}

func TestUpgradeRateLimit_ForwardedForFromTrustedProxy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8"}
	cfg.RateLimiting.Upgrades.RequestsPerSecond = 1
	cfg.RateLimiting.Upgrades.Burst = 1
	router := newLimitedRouter(cfg)

	require.Equal(t, http.StatusOK, getForwarded(router, "10.0.0.1:5000", "203.0.113.1").Code)
	assert.Equal(t, http.StatusTooManyRequests, getForwarded(router, "10.0.0.2:5000", "203.0.113.1").Code)
	assert.Equal(t, http.StatusOK, getForwarded(router, "10.0.0.1:5000", "203.0.113.2").Code)

	// An untrusted peer cannot speak for someone else.
	require.Equal(t, http.StatusOK, getForwarded(router, "192.0.2.5:5000", "203.0.113.9").Code)
	assert.Equal(t, http.StatusTooManyRequests, getForwarded(router, "192.0.2.5:5000", "203.0.113.10").Code)
}

func TestRateLimiterStore_PrunesIdle(t *testing.T) {
	store := newRateLimiterStore(1, 1)
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }
	store.lastPrune = now

	assert.True(t, store.allow("a"))
	assert.True(t, store.allow("b"))
	assert.Equal(t, 2, store.size())

	now = now.Add(idleLimiterTTL)
	assert.True(t, store.allow("c"))
	assert.Equal(t, 1, store.size())
}
