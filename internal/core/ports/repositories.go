package ports

import (
	"context"

	"voxmesh/internal/core/domain"
)

// RoomDirectory resolves which relay instance owns a room.
type RoomDirectory interface {
	// Claim takes ownership of the room for this instance if nobody holds it
	// and returns the current owner. Claiming a room already held by this
	// instance is a no-op.
	Claim(ctx context.Context, room domain.RoomName) (owner string, err error)
	Release(ctx context.Context, room domain.RoomName) error
	// Self is the address this instance advertises as owner.
	Self() string
	HealthCheck(ctx context.Context) error
	Close() error
}
