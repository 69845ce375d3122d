package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
	"github.com/hewenyu/tenant-gateway/pkg/storage/etcd"
	"github.com/hewenyu/tenant-gateway/pkg/storage/memory"
	"github.com/hewenyu/tenant-gateway/pkg/storage/mirror"
	"github.com/hewenyu/tenant-gateway/pkg/storage/redis"
)

// openStore 按配置创建注册表存储，外部后端统一包一层内存镜像
func openStore(ctx context.Context, cfg *config.Config, logger config.Logger) (storage.RegistryStore, error) {
	switch cfg.Registry.Backend {
	case config.BackendEtcd:
		client, err := etcd.NewClient(cfg.Registry.Etcd)
		if err != nil {
			return nil, err
		}
		logger.Info("etcd连接成功并通过健康检查", zap.Strings("endpoints", cfg.Registry.Etcd.Endpoints))
		return mirror.NewStore(etcd.NewRegistryStorage(client), cfg.Registry.OpTimeout, logger), nil

	case config.BackendRedis:
		client, err := redis.NewUniversalClient(ctx, cfg.Registry.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("redis连接成功", zap.String("addr", cfg.Registry.Redis.Addr))
		durable := redis.NewRegistryStorage(client, cfg.Registry.Redis.Prefix)
		return mirror.NewStore(durable, cfg.Registry.OpTimeout, logger), nil

	case config.BackendMemory:
		return memory.NewMemoryStorage(), nil
	}
	return nil, fmt.Errorf("未知的注册中心后端: %q", cfg.Registry.Backend)
}
