package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cristianortiz/liveauction/internal/shared/config"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the redis server in cfg and pings it with a short timeout.
// The client is shared by the redis auction store and the rate limiter.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", cfg.Addr, err)
	}
	return client, nil
}
