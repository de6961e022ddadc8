package memory

import (
	"context"
	"sync"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"
)

// RoomDirectory is the single-instance directory: this instance owns every
// room. It still tracks claims so Rooms reports what is being served.
type RoomDirectory struct {
	self string

	mu     sync.RWMutex
	claims map[domain.RoomName]struct{}
}

var _ ports.RoomDirectory = (*RoomDirectory)(nil)

func NewRoomDirectory(self string) *RoomDirectory {
	return &RoomDirectory{
		self:   self,
		claims: make(map[domain.RoomName]struct{}),
	}
}

func (d *RoomDirectory) Claim(ctx context.Context, room domain.RoomName) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	d.claims[room] = struct{}{}
	d.mu.Unlock()
	return d.self, nil
}

func (d *RoomDirectory) Release(ctx context.Context, room domain.RoomName) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.claims[room]; !ok {
		return domain.ErrRoomNotFound
	}
	delete(d.claims, room)
	return nil
}

// Claimed reports whether room is currently claimed.
func (d *RoomDirectory) Claimed(room domain.RoomName) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.claims[room]
	return ok
}

func (d *RoomDirectory) Self() string { return d.self }

func (d *RoomDirectory) HealthCheck(ctx context.Context) error { return nil }

func (d *RoomDirectory) Close() error {
	d.mu.Lock()
	d.claims = make(map[domain.RoomName]struct{})
	d.mu.Unlock()
	return nil
}
