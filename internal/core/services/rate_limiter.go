package services

import (
	"sync"
	"time"

	"voxmesh/internal/core/domain"
)

const (
	DefaultRateLimitWindow   = 10 * time.Second
	DefaultRateLimitMessages = 80
)

type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter admits at most limit messages per identity in each fixed window.
// A window resets once its duration has fully elapsed.
type RateLimiter struct {
	mu       sync.Mutex
	windows  map[domain.ParticipantID]*rateWindow
	limit    int
	duration time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, duration time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimitMessages
	}
	if duration <= 0 {
		duration = DefaultRateLimitWindow
	}
	return &RateLimiter{
		windows:  make(map[domain.ParticipantID]*rateWindow),
		limit:    limit,
		duration: duration,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

func (rl *RateLimiter) Admit(id domain.ParticipantID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[id]
	if !ok || !now.Before(w.start.Add(rl.duration)) {
		rl.windows[id] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Prune drops windows that have already expired and returns how many were removed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, w := range rl.windows {
		if !now.Before(w.start.Add(rl.duration)) {
			delete(rl.windows, id)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
