package backend_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gxo-labs/simloop/internal/config"
	"github.com/gxo-labs/simloop/internal/logger"
	"github.com/gxo-labs/simloop/internal/secrets"
	"github.com/gxo-labs/simloop/internal/store"
	"github.com/gxo-labs/simloop/internal/store/backend"
	"github.com/gxo-labs/simloop/internal/store/badgerstore"
	"github.com/gxo-labs/simloop/internal/store/redisstore"
	"github.com/gxo-labs/simloop/internal/store/sqlstore"
	"github.com/gxo-labs/simloop/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Defaults(t *testing.T) {
	b, err := backend.Open(context.Background(), config.StorageConfig{}, secrets.NewEnvProvider(), logger.NewDiscardLogger())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &store.MemoryExperienceStore{}, b.Experiences)
	assert.IsType(t, &store.MemoryCheckpointLogger{}, b.Checkpoints)
}

func TestOpen_SQLAndRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("pw")
	t.Setenv("SIMLOOP_TEST_REDIS_PW", "pw")

	cfg := config.StorageConfig{
		Experiences:      config.BackendSQL,
		Checkpoints:      config.BackendRedis,
		SQLDSN:           fmt.Sprintf("sqlite://%s/simloop.db", t.TempDir()),
		RedisAddr:        mr.Addr(),
		RedisPasswordEnv: "SIMLOOP_TEST_REDIS_PW",
	}
	ctx := context.Background()
	b, err := backend.Open(ctx, cfg, secrets.NewEnvProvider(), logger.NewDiscardLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &sqlstore.ExperienceStore{}, b.Experiences)
	assert.IsType(t, &redisstore.CheckpointLogger{}, b.Checkpoints)
	require.NoError(t, b.Checkpoints.Init(ctx))
	require.NoError(t, b.Checkpoints.LogCheckpoint(ctx, storetest.Checkpoint(1, 0, 1)))
	assert.True(t, mr.Exists("simloop:checkpoints"))
}

func TestOpen_SharedBadger(t *testing.T) {
	cfg := config.StorageConfig{
		Experiences:    config.BackendBadger,
		Checkpoints:    config.BackendBadger,
		BadgerInMemory: true,
	}
	b, err := backend.Open(context.Background(), cfg, secrets.NewEnvProvider(), logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.IsType(t, &badgerstore.ExperienceStore{}, b.Experiences)
	assert.IsType(t, &badgerstore.CheckpointLogger{}, b.Checkpoints)
	require.NoError(t, b.Close())
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	_, err := backend.Open(ctx, config.StorageConfig{Experiences: "tape"}, secrets.NewEnvProvider(), logger.NewDiscardLogger())
	assert.Error(t, err)

	_, err = backend.Open(ctx, config.StorageConfig{
		Checkpoints:      config.BackendRedis,
		RedisAddr:        "127.0.0.1:1",
		RedisPasswordEnv: "SIMLOOP_TEST_UNSET_PW",
	}, secrets.NewEnvProvider(), logger.NewDiscardLogger())
	assert.Error(t, err)
}
