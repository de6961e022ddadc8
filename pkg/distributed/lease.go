package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lua scripts only touch the key while it still carries our holder value.
var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// ErrNotHeld is returned by Release when the key expired or was taken over.
var ErrNotHeld = errors.New("lease not held by this instance")

// LeaseManager takes named, self-renewing leases in Redis. Each key stores the
// holder string so other instances can learn who owns it.
type LeaseManager struct {
	client redis.Cmdable
	prefix string
	holder string
	ttl    time.Duration
	logger *zap.SugaredLogger

	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	stop chan struct{}
	done chan struct{}
}

func NewLeaseManager(client redis.Cmdable, prefix, holder string, ttl time.Duration, logger *zap.SugaredLogger) *LeaseManager {
	return &LeaseManager{
		client: client,
		prefix: prefix,
		holder: holder,
		ttl:    ttl,
		logger: logger,
		leases: make(map[string]*lease),
	}
}

func (m *LeaseManager) Holder() string { return m.holder }

func (m *LeaseManager) key(name string) string { return m.prefix + name }

// Acquire takes the lease if it is free and returns whoever holds it
// afterwards. A lease still carrying our holder value, for example from before
// a restart, is adopted and renewed.
func (m *LeaseManager) Acquire(ctx context.Context, name string) (string, error) {
	key := m.key(name)

	for attempt := 0; attempt < 2; attempt++ {
		acquired, err := m.client.SetNX(ctx, key, m.holder, m.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if acquired {
			m.startRenewal(name)
			return m.holder, nil
		}

		current, err := m.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read lease %s: %w", key, err)
		}
		if current == m.holder {
			if err := m.renew(ctx, key); err != nil {
				return "", err
			}
			m.startRenewal(name)
		}
		return current, nil
	}
	return "", fmt.Errorf("lease %s is contended", key)
}

// Release stops renewal and deletes the key if we still hold it.
func (m *LeaseManager) Release(ctx context.Context, name string) error {
	m.stopRenewal(name)

	key := m.key(name)
	deleted, err := releaseScript.Run(ctx, m.client, []string{key}, m.holder).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}

// Held lists the lease names currently being renewed.
func (m *LeaseManager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.leases))
	for name := range m.leases {
		names = append(names, name)
	}
	return names
}

// Close releases every held lease.
func (m *LeaseManager) Close(ctx context.Context) error {
	var errs []error
	for _, name := range m.Held() {
		if err := m.Release(ctx, name); err != nil && !errors.Is(err, ErrNotHeld) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *LeaseManager) renew(ctx context.Context, key string) error {
	ok, err := renewScript.Run(ctx, m.client, []string{key}, m.holder, m.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	if ok == 0 {
		return ErrNotHeld
	}
	return nil
}

func (m *LeaseManager) startRenewal(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leases[name]; ok {
		return
	}
	l := &lease{stop: make(chan struct{}), done: make(chan struct{})}
	m.leases[name] = l
	go m.renewLoop(name, l)
}

func (m *LeaseManager) stopRenewal(name string) {
	m.mu.Lock()
	l, ok := m.leases[name]
	delete(m.leases, name)
	m.mu.Unlock()
	if ok {
		close(l.stop)
		<-l.done
	}
}

// renewLoop extends the lease at half its TTL until stopped or lost.
func (m *LeaseManager) renewLoop(name string, l *lease) {
	defer close(l.done)

	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	key := m.key(name)
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.ttl/2)
			err := m.renew(ctx, key)
			cancel()
			if errors.Is(err, ErrNotHeld) {
				m.logger.Warnw("Lease lost", "key", key)
				m.mu.Lock()
				if m.leases[name] == l {
					delete(m.leases, name)
				}
				m.mu.Unlock()
				return
			}
			if err != nil {
				m.logger.Warnw("Lease renewal failed", "key", key, "error", err)
			}
		}
	}
}
