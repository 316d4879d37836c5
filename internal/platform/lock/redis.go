package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker shares locks between API and worker processes.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisLocker wraps client. A nil client yields a nil locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// TryLock sets key with a random token when absent. The token guards release
// so an expired holder cannot free a lock claimed by someone else.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock: redis client not configured")
	}
	if key == "" {
		return nil, errors.New("lock: key is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock: ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: setnx %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, key)
	}
	return func(ctx context.Context) error {
		return l.script.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}
