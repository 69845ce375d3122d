package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// WATCH冲突时的最大重试次数
const maxWatchRetries = 5

// RegistryStorage 实现基于redis的注册表存储
type RegistryStorage struct {
	client redis.UniversalClient
	keys   keyspace
	now    func() time.Time
}

// NewRegistryStorage 创建redis注册表存储
func NewRegistryStorage(client redis.UniversalClient, prefix string) *RegistryStorage {
	return &RegistryStorage{
		client: client,
		keys:   newKeyspace(prefix),
		now:    time.Now,
	}
}

// Register 注册服务实例
func (s *RegistryStorage) Register(ctx context.Context, instance model.ServiceInstance) error {
	if err := storage.ValidateInstance(instance); err != nil {
		return err
	}

	return s.update(ctx, instance.Name, instance.ID, func(existing *model.ServiceInstance) (*model.ServiceInstance, error) {
		if existing != nil {
			merged := existing.MergeRegistration(instance)
			return &merged, nil
		}
		created := storage.PrepareNew(instance, s.now())
		return &created, nil
	})
}

// Deregister 注销服务实例
func (s *RegistryStorage) Deregister(ctx context.Context, name, id string) error {
	if err := s.client.HDel(ctx, s.keys.service(name), id).Err(); err != nil {
		return storage.NewInternalError(fmt.Sprintf("从redis删除失败: %v", err))
	}
	return nil
}

// List 获取服务的全部实例
func (s *RegistryStorage) List(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	values, err := s.client.HGetAll(ctx, s.keys.service(name)).Result()
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从redis读取失败: %v", err))
	}

	instances := make([]model.ServiceInstance, 0, len(values))
	for _, raw := range values {
		var inst model.ServiceInstance
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			// 跳过无法解析的数据
			continue
		}
		instances = append(instances, inst)
	}
	storage.SortInstances(instances)
	return instances, nil
}

// ListHealthy 获取服务的健康实例
func (s *RegistryStorage) ListHealthy(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	instances, err := s.List(ctx, name)
	if err != nil {
		return nil, err
	}
	return storage.FilterHealthy(instances), nil
}

// UpdateHealth 更新实例健康状态
func (s *RegistryStorage) UpdateHealth(ctx context.Context, name, id string, health model.HealthStatus, at time.Time) error {
	return s.update(ctx, name, id, func(existing *model.ServiceInstance) (*model.ServiceInstance, error) {
		if existing == nil {
			return nil, storage.NewNotFoundError("服务实例不存在: " + model.InstanceKey(name, id))
		}
		storage.ApplyHealth(existing, health, at)
		return existing, nil
	})
}

// Snapshot 获取完整的服务目录
func (s *RegistryStorage) Snapshot(ctx context.Context) (model.ServiceDirectory, error) {
	names, err := s.client.SMembers(ctx, s.keys.names()).Result()
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从redis读取服务列表失败: %v", err))
	}

	dir := make(model.ServiceDirectory, len(names))
	for _, name := range names {
		instances, err := s.List(ctx, name)
		if err != nil {
			return nil, err
		}
		dir[name] = instances
	}
	return dir, nil
}

// Close 关闭redis连接
func (s *RegistryStorage) Close() error {
	return s.client.Close()
}

// update 在WATCH事务中完成单个实例的读-改-写
func (s *RegistryStorage) update(ctx context.Context, name, id string, mutate func(*model.ServiceInstance) (*model.ServiceInstance, error)) error {
	key := s.keys.service(name)

	txf := func(tx *redis.Tx) error {
		var existing *model.ServiceInstance
		raw, err := tx.HGet(ctx, key, id).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return storage.NewInternalError(fmt.Sprintf("从redis读取失败: %v", err))
		default:
			var inst model.ServiceInstance
			if err := json.Unmarshal(raw, &inst); err != nil {
				return storage.NewInternalError(fmt.Sprintf("解析实例数据失败: %v", err))
			}
			existing = &inst
		}

		next, err := mutate(existing)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("序列化实例数据失败: %v", err))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, data)
			pipe.SAdd(ctx, s.keys.names(), name)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var se *storage.StorageError
		if errors.As(err, &se) {
			return se
		}
		return storage.NewInternalError(fmt.Sprintf("写入redis失败: %v", err))
	}

	return storage.NewInternalError(fmt.Sprintf("写入redis冲突次数过多: %s", model.InstanceKey(name, id)))
}
