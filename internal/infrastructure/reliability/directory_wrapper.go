package reliability

import (
	"context"
	"errors"
	"sync"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"
	"voxmesh/pkg/circuitbreaker"
	"voxmesh/pkg/retry"

	"go.uber.org/zap"
)

// DirectoryWrapper guards a shared RoomDirectory with retries and a circuit
// breaker. While the breaker is open every claim is answered locally, so a
// directory outage degrades routing instead of refusing rooms.
type DirectoryWrapper struct {
	directory ports.RoomDirectory
	breaker   *circuitbreaker.CircuitBreaker
	retry     retry.Config
	logger    *zap.SugaredLogger

	mu    sync.Mutex
	local map[domain.RoomName]struct{}
}

var _ ports.RoomDirectory = (*DirectoryWrapper)(nil)

func NewDirectoryWrapper(
	directory ports.RoomDirectory,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *DirectoryWrapper {
	w := &DirectoryWrapper{
		directory: directory,
		breaker:   circuitbreaker.New(cbConfig),
		retry:     retryConfig,
		logger:    logger.With("component", "directory_breaker"),
		local:     make(map[domain.RoomName]struct{}),
	}

	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		w.logger.Infow("Directory circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func (w *DirectoryWrapper) Claim(ctx context.Context, room domain.RoomName) (string, error) {
	owner, err := retry.RetryWithResult(ctx, w.retry, func() (string, error) {
		owner, err := circuitbreaker.Call(ctx, w.breaker, func() (string, error) {
			return w.directory.Claim(ctx, room)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return "", retry.Permanent(err)
		}
		return owner, err
	})
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, circuitbreaker.ErrOpen) && !w.Degraded() {
		return "", err
	}

	w.logger.Warnw("Directory unavailable, serving room locally", "room", room)
	w.mu.Lock()
	w.local[room] = struct{}{}
	w.mu.Unlock()
	return w.directory.Self(), nil
}

// Release skips the directory for rooms that were only ever claimed locally.
func (w *DirectoryWrapper) Release(ctx context.Context, room domain.RoomName) error {
	w.mu.Lock()
	_, local := w.local[room]
	delete(w.local, room)
	w.mu.Unlock()
	if local {
		return nil
	}

	return retry.Retry(ctx, w.retry, func() error {
		err := w.breaker.Execute(ctx, func() error {
			return w.directory.Release(ctx, room)
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (w *DirectoryWrapper) Self() string { return w.directory.Self() }

// HealthCheck reports the wrapped directory's health, bypassing the breaker.
func (w *DirectoryWrapper) HealthCheck(ctx context.Context) error {
	return w.directory.HealthCheck(ctx)
}

func (w *DirectoryWrapper) Close() error { return w.directory.Close() }

// Degraded reports whether claims are currently being answered locally.
func (w *DirectoryWrapper) Degraded() bool {
	return w.breaker.GetState() == circuitbreaker.StateOpen
}

func (w *DirectoryWrapper) Stats() circuitbreaker.Stats {
	return w.breaker.GetStats()
}
