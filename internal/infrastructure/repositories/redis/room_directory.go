package redis

import (
	"context"
	"time"

	"voxmesh/internal/core/domain"
	"voxmesh/internal/core/ports"
	"voxmesh/pkg/distributed"
	"voxmesh/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyPrefix namespaces room claims.
const KeyPrefix = "voxmesh:room:"

// RoomDirectory records room ownership as renewable Redis leases whose value
// is the owning instance's advertised URL.
type RoomDirectory struct {
	client *redis.Client
	leases *distributed.LeaseManager
	logger *zap.SugaredLogger
}

var _ ports.RoomDirectory = (*RoomDirectory)(nil)

func NewRoomDirectory(client *redis.Client, self string, ttl time.Duration, logger *zap.SugaredLogger) *RoomDirectory {
	logger = logger.With("component", "room_directory")
	return &RoomDirectory{
		client: client,
		leases: distributed.NewLeaseManager(client, KeyPrefix, self, ttl, logger),
		logger: logger,
	}
}

func (d *RoomDirectory) Claim(ctx context.Context, room domain.RoomName) (string, error) {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "claim", string(room))
	defer span.End()

	owner, err := d.leases.Acquire(ctx, string(room))
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	span.SetAttributes(tracing.InstanceKey.String(owner))
	if owner != d.Self() {
		d.logger.Debugw("Room owned elsewhere", "room", room, "owner", owner)
	}
	return owner, nil
}

func (d *RoomDirectory) Release(ctx context.Context, room domain.RoomName) error {
	ctx, span := tracing.TraceDirectoryOperation(ctx, "release", string(room))
	defer span.End()

	if err := d.leases.Release(ctx, string(room)); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (d *RoomDirectory) Self() string { return d.leases.Holder() }

func (d *RoomDirectory) HealthCheck(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases every claim this instance holds and closes the client.
func (d *RoomDirectory) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.leases.Close(ctx); err != nil {
		d.logger.Warnw("Failed to release room claims", "error", err)
	}
	return d.client.Close()
}
