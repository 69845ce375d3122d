package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/pkg/storage/memory"
	"github.com/hewenyu/tenant-gateway/pkg/storage/mirror"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	logger := config.NewNopLogger()

	cfg := &config.Config{}
	cfg.Registry.Backend = config.BackendMemory
	store, err := openStore(ctx, cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &memory.MemoryStorage{}, store)

	mr := miniredis.RunT(t)
	cfg.Registry.Backend = config.BackendRedis
	cfg.Registry.Redis.Addr = mr.Addr()
	cfg.Registry.OpTimeout = time.Second
	store, err = openStore(ctx, cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &mirror.Store{}, store)
	assert.NoError(t, store.Close())

	cfg.Registry.Backend = "zookeeper"
	_, err = openStore(ctx, cfg, logger)
	assert.Error(t, err)
}
