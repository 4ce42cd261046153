package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisStorage implements Storage for Redis
type redisStorage struct {
	base
	client *redis.Client
}

// NewRedis connects to Redis from a URL such as "redis://:password@host:6379/0".
func NewRedis(ctx context.Context, url string) (Storage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisStorage{client: client}, nil
}

func (s *redisStorage) Type() string {
	return TypeRedis
}

func (s *redisStorage) RedisClient() *redis.Client {
	return s.client
}

func (s *redisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
