package monitoring

import (
	"context"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports a dependency as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

type HealthCheck struct {
	Name     string
	Check    CheckFunc
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, check CheckFunc, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Interval: interval, Timeout: timeout})
}

func (h *HealthChecker) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HealthCheck, len(h.checks))
	copy(out, h.checks)
	return out
}

// CheckAll runs every check concurrently. One failure makes the whole status
// unhealthy.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	checks := h.snapshot()
	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			err := check.run(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status.Status = StatusUnhealthy
				status.Checks[check.Name] = err.Error()
				return
			}
			status.Checks[check.Name] = StatusHealthy
		}(check)
	}
	wg.Wait()
	return status
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

// StartBackgroundChecks runs each check with an interval until ctx ends.
// onChange fires when a check starts failing (err set) and when it recovers
// (err nil).
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, onChange func(name string, err error)) {
	for _, check := range h.snapshot() {
		if check.Interval > 0 {
			go check.watch(ctx, onChange)
		}
	}
}

func (c HealthCheck) watch(ctx context.Context, onChange func(string, error)) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.run(ctx)
		if (err != nil) == failing {
			continue
		}
		failing = err != nil
		if onChange != nil && ctx.Err() == nil {
			onChange(c.Name, err)
		}
	}
}

func (c HealthCheck) run(ctx context.Context) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return c.Check(ctx)
}
