package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("VOXMESH_TEST_REDIS")
	if addr == "" {
		t.Skip("VOXMESH_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLeaseManager_AdoptsOwnLease(t *testing.T) {
	client := testClient(t)
	prefix := "test:" + uuid.NewString() + ":"
	logger := zap.NewNop().Sugar()
	ctx := context.Background()

	first := NewLeaseManager(client, prefix, "instance-1", 2*time.Second, logger)
	holder, err := first.Acquire(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "instance-1", holder)

	// A restarted instance with the same identity takes the lease back.
	restarted := NewLeaseManager(client, prefix, "instance-1", 2*time.Second, logger)
	holder, err = restarted.Acquire(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "instance-1", holder)
	assert.Equal(t, []string{"room"}, restarted.Held())

	other := NewLeaseManager(client, prefix, "instance-2", 2*time.Second, logger)
	holder, err = other.Acquire(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "instance-1", holder)
	assert.Empty(t, other.Held())
	assert.ErrorIs(t, other.Release(ctx, "room"), ErrNotHeld)

	require.NoError(t, restarted.Close(ctx))
	assert.ErrorIs(t, first.Release(ctx, "room"), ErrNotHeld)
}
