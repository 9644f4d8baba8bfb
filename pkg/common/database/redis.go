package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/logger"
)

// OpenRedis returns nil when REDIS_HOST is unset. A failed ping is logged but
// the client is still returned; go-redis reconnects on demand.
func OpenRedis(cfg config.Config) *redis.Client {
	addr := cfg.RedisAddr()
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.WithError(err).WithField("addr", addr).Error("Failed to connect to Redis")
	} else {
		logger.Log.WithField("addr", addr).Info("Connected to Redis")
	}

	return client
}
