package middleware

import (
	"sync"
	"time"

	"voxmesh/internal/core/ports"
	"voxmesh/pkg/config"
	"voxmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-IP limiter is kept.
const idleLimiterTTL = 5 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	lastPrune time.Time
	now       func() time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

func (s *rateLimiterStore) allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastPrune) >= idleLimiterTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) >= idleLimiterTTL {
				delete(s.limiters, k)
			}
		}
		s.lastPrune = now
	}

	e, exists := s.limiters[key]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// NewUpgradeRateLimitMiddleware admits control channel upgrades per client IP,
// as resolved by the engine's trusted proxy settings.
// Rejected requests get 429 before any upgrade work is done.
func NewUpgradeRateLimitMiddleware(cfg *config.Config, metrics ports.RelayMetrics) gin.HandlerFunc {
	if !cfg.RateLimiting.Upgrades.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(
		rate.Limit(cfg.RateLimiting.Upgrades.RequestsPerSecond),
		cfg.RateLimiting.Upgrades.Burst,
	)

	return func(c *gin.Context) {
		if !store.allow(c.ClientIP()) {
			if metrics != nil {
				metrics.UpgradeRejected("rate_limited")
			}
			c.Header("Retry-After", "1")
			c.Error(errors.NewRateLimitError())
			c.Abort()
			return
		}
		c.Next()
	}
}
