package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration for the idempotency cache
type Config struct {
	Addr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string        `envconfig:"REDIS_PASSWORD" default:""`
	DB       int           `envconfig:"REDIS_DB" default:"0"`
	TTL      time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

// RedisStore caches idempotent responses in Redis. It implements
// middleware.IdempotencyStore.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("redis connection established", "addr", cfg.Addr)

	return &RedisStore{client: client, logger: logger}, nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func key(k string) string {
	return "idempotency:" + k
}

// Get returns a cached response for the key, if any
func (s *RedisStore) Get(ctx context.Context, k string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key(k)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting idempotency key: %w", err)
	}
	return val, true, nil
}

// Set stores a response under the key with a TTL
func (s *RedisStore) Set(ctx context.Context, k string, response []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key(k), response, ttl).Err(); err != nil {
		return fmt.Errorf("setting idempotency key: %w", err)
	}
	return nil
}

// HealthCheck verifies the Redis connection
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
