package repositories

import (
	"voxmesh/internal/core/ports"
	"voxmesh/internal/infrastructure/reliability"
	"voxmesh/internal/infrastructure/repositories/memory"
	redisrepo "voxmesh/internal/infrastructure/repositories/redis"
	"voxmesh/pkg/circuitbreaker"
	"voxmesh/pkg/config"
	"voxmesh/pkg/retry"

	"go.uber.org/zap"
)

// NewRoomDirectory builds the directory named by the configuration. A shared
// Redis directory is wrapped with retries and a circuit breaker; when Redis is
// unreachable at startup the instance falls back to owning every room itself.
func NewRoomDirectory(cfg *config.Config, logger *zap.SugaredLogger) ports.RoomDirectory {
	self := cfg.Advertise()

	if !cfg.Redis.Enabled {
		logger.Infow("Using in-memory room directory", "self", self)
		return memory.NewRoomDirectory(self)
	}

	client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Warnw("Failed to connect to Redis, falling back to in-memory room directory",
			"error", err,
		)
		return memory.NewRoomDirectory(self)
	}

	logger.Infow("Using Redis room directory", "self", self, "claim_ttl", cfg.Directory.ClaimTTL)
	directory := redisrepo.NewRoomDirectory(client, self, cfg.Directory.ClaimTTL, logger)

	d := cfg.Directory
	return reliability.NewDirectoryWrapper(directory,
		retry.Config{
			Enabled:      d.Retry.Enabled,
			MaxAttempts:  d.Retry.MaxAttempts,
			InitialDelay: d.Retry.InitialDelay,
			MaxDelay:     d.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		circuitbreaker.Config{
			FailureThreshold:    d.Breaker.FailureThreshold,
			SuccessThreshold:    d.Breaker.SuccessThreshold,
			Timeout:             d.Breaker.Timeout,
			MaxRequestsHalfOpen: 1,
		},
		logger,
	)
}
