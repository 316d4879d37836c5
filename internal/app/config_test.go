package app

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOCK_BACKEND", "local")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, LockBackendLocal, cfg.LockBackend)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.SettlementPaidTolerance.Equal(decimal.RequireFromString("0.01")))
	require.True(t, cfg.InventoryNegativeTolerance.Equal(decimal.RequireFromString("0.0001")))
	require.Equal(t, 4, cfg.RebuildParallelism)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsUnknownLockBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOCK_BACKEND", "etcd")

	_, err := LoadConfig()
	require.ErrorContains(t, err, "LOCK_BACKEND")
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		LockBackend:        LockBackendRedis,
		LockTTL:            1,
		WorkerConcurrency:  1,
		RebuildParallelism: 1,
	}
	require.NoError(t, valid.Validate())

	negative := valid
	negative.SettlementPaidTolerance = decimal.NewFromInt(-1)
	require.Error(t, negative.Validate())

	noTTL := valid
	noTTL.LockTTL = 0
	require.Error(t, noTTL.Validate())
}
