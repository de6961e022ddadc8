package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"

	"go.uber.org/zap"
)

const directoryTimeout = 3 * time.Second

// roomEntry is installed before the directory claim settles so that other
// rooms never wait on it. relay is set and ready closed once the claim
// succeeds. On failure err is set and the entry is removed.
type roomEntry struct {
	relay *Relay
	refs  int
	ready chan struct{}
	err   error
}

// RoomManager hands out per-room relays. A room exists while at least one
// control channel holds a reference to it. Directory calls run without the
// manager lock; only callers for the same room wait on each other.
type RoomManager struct {
	mu        sync.Mutex
	rooms     map[domain.RoomName]*roomEntry
	closing   map[domain.RoomName]chan struct{}
	directory ports.RoomDirectory
	cfg       RelayConfig
	metrics   ports.RelayMetrics
	logger    *zap.SugaredLogger
}

func NewRoomManager(directory ports.RoomDirectory, cfg RelayConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RoomManager {
	if metrics == nil {
		metrics = NopRelayMetrics{}
	}
	return &RoomManager{
		rooms:     make(map[domain.RoomName]*roomEntry),
		closing:   make(map[domain.RoomName]chan struct{}),
		directory: directory,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Acquire returns the relay for room and a release function that must be
// called exactly once when the caller's channel is gone. Extra calls to the
// release function are ignored.
func (m *RoomManager) Acquire(ctx context.Context, room domain.RoomName) (*Relay, func(), error) {
	for {
		m.mu.Lock()
		if e, ok := m.rooms[room]; ok {
			if e.relay != nil {
				e.refs++
				m.mu.Unlock()
				return e.relay, m.releaser(room, e), nil
			}
			m.mu.Unlock()
			if err := wait(ctx, e.ready); err != nil {
				return nil, nil, err
			}
			// The claimer giving up is not an answer for this caller.
			if e.err != nil && !errors.Is(e.err, context.Canceled) && !errors.Is(e.err, context.DeadlineExceeded) {
				return nil, nil, e.err
			}
			continue
		}
		// A new claim must not race the previous owner's release.
		if released, ok := m.closing[room]; ok {
			m.mu.Unlock()
			if err := wait(ctx, released); err != nil {
				return nil, nil, err
			}
			continue
		}

		e := &roomEntry{ready: make(chan struct{})}
		m.rooms[room] = e
		m.mu.Unlock()
		return m.open(ctx, room, e)
	}
}

func (m *RoomManager) open(ctx context.Context, room domain.RoomName, e *roomEntry) (*Relay, func(), error) {
	err := m.claim(ctx, room)

	m.mu.Lock()
	if err == nil && m.rooms[room] != e {
		// Shut down while claiming.
		m.mu.Unlock()
		m.releaseClaim(room)
		err = fmt.Errorf("room %s: %w", room, domain.ErrRelayStopped)
		m.mu.Lock()
	}
	if err != nil {
		if m.rooms[room] == e {
			delete(m.rooms, room)
		}
		e.err = err
		close(e.ready)
		m.mu.Unlock()
		return nil, nil, err
	}

	e.relay = NewRelay(room, m.cfg, m.metrics, m.logger).Start()
	e.refs = 1
	close(e.ready)
	count := m.openRooms()
	m.mu.Unlock()

	m.metrics.RoomOpened()
	m.logger.Infow("Room opened", "room", room, "rooms", count)
	return e.relay, m.releaser(room, e), nil
}

func (m *RoomManager) claim(ctx context.Context, room domain.RoomName) error {
	if m.directory == nil {
		return nil
	}
	claimCtx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	owner, err := m.directory.Claim(claimCtx, room)
	if err != nil {
		return fmt.Errorf("failed to claim room %s: %w", room, err)
	}
	if owner != m.directory.Self() {
		return &domain.OwnershipError{Room: room, Owner: owner}
	}
	return nil
}

func (m *RoomManager) releaser(room domain.RoomName, e *roomEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(room, e) })
	}
}

func (m *RoomManager) release(room domain.RoomName, e *roomEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs > 0 || m.rooms[room] != e {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, room)
	released := make(chan struct{})
	m.closing[room] = released
	m.mu.Unlock()

	m.releaseClaim(room)

	m.mu.Lock()
	delete(m.closing, room)
	close(released)
	m.mu.Unlock()

	e.relay.Stop()
	m.metrics.RoomClosed()
	m.logger.Infow("Room closed", "room", room)
}

func (m *RoomManager) releaseClaim(room domain.RoomName) {
	if m.directory == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := m.directory.Release(ctx, room); err != nil {
		m.logger.Warnw("Failed to release room claim", "room", room, "error", err)
	}
}

// openRooms counts rooms with a running relay. Callers hold m.mu.
func (m *RoomManager) openRooms() int {
	n := 0
	for _, e := range m.rooms {
		if e.relay != nil {
			n++
		}
	}
	return n
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the relay for an open room.
func (m *RoomManager) Lookup(room domain.RoomName) (*Relay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[room]
	if !ok || e.relay == nil {
		return nil, false
	}
	return e.relay, true
}

// Rooms lists open rooms in name order.
func (m *RoomManager) Rooms() []domain.RoomName {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RoomName, 0, len(m.rooms))
	for name, e := range m.rooms {
		if e.relay != nil {
			out = append(out, name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Shutdown stops every relay and releases all claims. Rooms still being
// claimed give their claim back and fail with ErrRelayStopped.
func (m *RoomManager) Shutdown() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[domain.RoomName]*roomEntry)
	pending := make([]chan struct{}, 0, len(m.closing))
	for _, released := range m.closing {
		pending = append(pending, released)
	}
	m.mu.Unlock()

	for name, e := range rooms {
		if e.relay == nil {
			continue
		}
		m.releaseClaim(name)
		e.relay.Stop()
		m.metrics.RoomClosed()
		m.logger.Debugw("Room stopped on shutdown", "room", name)
	}
	for _, released := range pending {
		<-released
	}
}
