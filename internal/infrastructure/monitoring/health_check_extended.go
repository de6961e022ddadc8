package monitoring

import (
	"context"
	"fmt"
	"time"

	"voxmesh/internal/core/ports"
)

// AddDirectoryCheck verifies that the room directory backend is reachable.
func (h *HealthChecker) AddDirectoryCheck(directory ports.RoomDirectory, interval, timeout time.Duration) {
	h.AddCheck("directory", directory.HealthCheck, interval, timeout)
}

// AddCapacityCheck reports unhealthy once more than limit rooms are open. A
// limit of zero disables it.
func (h *HealthChecker) AddCapacityCheck(open func() int, limit int, interval time.Duration) {
	h.AddCheck("capacity", func(context.Context) error {
		if n := open(); limit > 0 && n > limit {
			return fmt.Errorf("%d rooms open, limit %d", n, limit)
		}
		return nil
	}, interval, 0)
}
