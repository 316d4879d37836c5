package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/siteledger/siteledger/internal/events"
	"github.com/siteledger/siteledger/internal/platform/lock"
)

func TestNewLockerBackends(t *testing.T) {
	local, err := NewLocker(&Config{LockBackend: LockBackendLocal}, nil)
	require.NoError(t, err)
	require.IsType(t, &lock.Local{}, local)

	_, err = NewLocker(&Config{LockBackend: LockBackendRedis}, nil)
	require.Error(t, err)

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	distributed, err := NewLocker(&Config{LockBackend: LockBackendRedis}, client)
	require.NoError(t, err)
	require.IsType(t, &lock.RedisLocker{}, distributed)
}

func TestNewRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := NewRedis(context.Background(), &Config{RedisAddr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())

	srv.Close()
	_, err = NewRedis(context.Background(), &Config{RedisAddr: srv.Addr()})
	require.Error(t, err)
}

func TestNewPublisherFallsBackToLog(t *testing.T) {
	publisher, closeFn, err := NewPublisher(&Config{}, nil)
	require.NoError(t, err)
	require.IsType(t, events.LogPublisher{}, publisher)
	require.NoError(t, closeFn())
}
