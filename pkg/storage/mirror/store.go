package mirror

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
	"github.com/hewenyu/tenant-gateway/pkg/storage/memory"
)

// 降级日志的最小间隔
const degradedLogInterval = 30 * time.Second

// Store 将外部持久化存储与进程内镜像组合在一起
//
// 写操作同时落到两侧；读操作优先读取外部存储并刷新镜像，
// 外部存储超时或不可用时退回镜像，只记录日志不向调用方报错。
type Store struct {
	durable storage.RegistryStore
	mirror  *memory.MemoryStorage
	timeout time.Duration
	logger  config.Logger

	degraded  atomic.Bool
	sometimes rate.Sometimes
}

// NewStore 创建镜像存储，timeout为单次外部存储操作的上限
func NewStore(durable storage.RegistryStore, timeout time.Duration, logger config.Logger) *Store {
	return &Store{
		durable:   durable,
		mirror:    memory.NewMemoryStorage(),
		timeout:   timeout,
		logger:    logger,
		sometimes: rate.Sometimes{First: 1, Interval: degradedLogInterval},
	}
}

// Degraded 报告最近一次外部存储操作是否失败
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Register 注册服务实例
func (s *Store) Register(ctx context.Context, instance model.ServiceInstance) error {
	if err := storage.ValidateInstance(instance); err != nil {
		return err
	}

	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.durable.Register(ctx, instance)
	})
	s.observe("Register", err)
	return s.mirror.Register(ctx, instance)
}

// Deregister 注销服务实例
func (s *Store) Deregister(ctx context.Context, name, id string) error {
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.durable.Deregister(ctx, name, id)
	})
	s.observe("Deregister", err)
	return s.mirror.Deregister(ctx, name, id)
}

// List 获取服务的全部实例
func (s *Store) List(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	var instances []model.ServiceInstance
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		instances, err = s.durable.List(ctx, name)
		return err
	})
	s.observe("List", err)
	if err != nil {
		return s.mirror.List(ctx, name)
	}

	s.mirror.ReplaceService(name, instances)
	return instances, nil
}

// ListHealthy 获取服务的健康实例
func (s *Store) ListHealthy(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	instances, err := s.List(ctx, name)
	if err != nil {
		return nil, err
	}
	return storage.FilterHealthy(instances), nil
}

// UpdateHealth 更新实例健康状态
func (s *Store) UpdateHealth(ctx context.Context, name, id string, health model.HealthStatus, at time.Time) error {
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.durable.UpdateHealth(ctx, name, id, health, at)
	})

	if storage.IsNotFound(err) {
		// 外部存储中已被注销，镜像保持一致
		_ = s.mirror.Deregister(ctx, name, id)
		return err
	}
	s.observe("UpdateHealth", err)

	mirrorErr := s.mirror.UpdateHealth(ctx, name, id, health, at)
	if err == nil {
		// 镜像可能尚未同步到该实例，下一次读取时会整体刷新
		return nil
	}
	return mirrorErr
}

// Snapshot 获取完整的服务目录
func (s *Store) Snapshot(ctx context.Context) (model.ServiceDirectory, error) {
	var dir model.ServiceDirectory
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		dir, err = s.durable.Snapshot(ctx)
		return err
	})
	s.observe("Snapshot", err)
	if err != nil {
		return s.mirror.Snapshot(ctx)
	}

	s.mirror.ReplaceAll(dir)
	return dir, nil
}

// Close 关闭外部存储连接
func (s *Store) Close() error {
	return s.durable.Close()
}

// withTimeout 以有界超时执行一次外部存储操作
func (s *Store) withTimeout(ctx context.Context, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// observe 记录外部存储的可用性变化
func (s *Store) observe(op string, err error) {
	if err == nil {
		if s.degraded.Swap(false) {
			s.logger.Info("外部注册存储已恢复", zap.String("op", op))
		}
		return
	}

	var se *storage.StorageError
	if errors.As(err, &se) && se.Code == storage.ErrInvalidArgument {
		return
	}

	s.degraded.Store(true)
	s.sometimes.Do(func() {
		s.logger.Warn("外部注册存储不可用，使用进程内镜像",
			zap.String("op", op),
			zap.Error(err))
	})
}
