package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"voxmesh/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testClient connects to VOXMESH_TEST_REDIS or skips.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("VOXMESH_TEST_REDIS")
	if addr == "" {
		t.Skip("VOXMESH_TEST_REDIS not set")
	}
	client, err := NewRedisClient(ClientOptions{Address: addr, PoolSize: 4}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return client
}

func TestRoomDirectory_ClaimAndHandover(t *testing.T) {
	logger := zap.NewNop().Sugar()
	a := NewRoomDirectory(testClient(t), "ws://relay-a", time.Second, logger)
	b := NewRoomDirectory(testClient(t), "ws://relay-b", time.Second, logger)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	room := domain.RoomName("room-" + uuid.NewString()[:8])

	owner, err := a.Claim(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "ws://relay-a", owner)

	owner, err = b.Claim(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "ws://relay-a", owner)

	// Renewal keeps the claim alive past its TTL.
	time.Sleep(1500 * time.Millisecond)
	owner, err = b.Claim(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "ws://relay-a", owner)

	require.NoError(t, a.Release(ctx, room))
	owner, err = b.Claim(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "ws://relay-b", owner)

	// a no longer holds it.
	assert.Error(t, a.Release(ctx, room))
	require.NoError(t, b.Release(ctx, room))
}

func TestRoomDirectory_CloseReleasesClaims(t *testing.T) {
	logger := zap.NewNop().Sugar()
	client := testClient(t)
	a := NewRoomDirectory(client, "ws://relay-a", 5*time.Second, logger)
	observer := testClient(t)
	defer observer.Close()

	ctx := context.Background()
	room := domain.RoomName("room-" + uuid.NewString()[:8])
	_, err := a.Claim(ctx, room)
	require.NoError(t, err)
	require.NoError(t, a.HealthCheck(ctx))

	require.NoError(t, a.Close())
	n, err := observer.Exists(ctx, KeyPrefix+string(room)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
