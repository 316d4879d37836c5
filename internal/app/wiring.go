package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/siteledger/siteledger/internal/events"
	"github.com/siteledger/siteledger/internal/events/kafka"
	"github.com/siteledger/siteledger/internal/platform/lock"
)

// NewRedis connects to REDIS_ADDR and pings it. The client backs the
// distributed scope locks.
func NewRedis(ctx context.Context, cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// NewLocker picks the lock backend named by LOCK_BACKEND. The redis backend
// requires a client.
func NewLocker(cfg *Config, client *redis.Client) (lock.Locker, error) {
	if cfg == nil || cfg.LockBackend == LockBackendLocal {
		return lock.NewLocal(), nil
	}
	if client == nil {
		return nil, fmt.Errorf("lock backend %q requires a redis client", cfg.LockBackend)
	}
	return lock.NewRedisLocker(client), nil
}

// NewPublisher returns a Kafka publisher when brokers are configured and a
// log publisher otherwise. The returned close func is never nil.
func NewPublisher(cfg *Config, logger *slog.Logger) (events.Publisher, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil || len(cfg.KafkaBrokers) == 0 || InTestMode() {
		return events.LogPublisher{Logger: logger}, noop, nil
	}
	publisher, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, noop, fmt.Errorf("kafka publisher: %w", err)
	}
	return publisher, publisher.Close, nil
}
