package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps go-redis client with optional logger.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient creates a Redis client and verifies connectivity. poolSize caps
// the connection pool; zero keeps the go-redis default. The room pub/sub
// bridge holds one connection per subscribed room, so the pool is sized
// above the expected concurrent room count.
func NewClient(ctx context.Context, addr, password string, db, poolSize int, logger *zap.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Redis client connected", zap.String("addr", addr), zap.Int("pool_size", opts.PoolSize))
	return &Client{Client: rdb, logger: logger}, nil
}
