package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// 乐观并发写入的最大重试次数
const maxTxnRetries = 5

// RegistryStorage 实现基于etcd的注册表存储
type RegistryStorage struct {
	client *Client
	now    func() time.Time
}

// NewRegistryStorage 创建etcd注册表存储
func NewRegistryStorage(client *Client) *RegistryStorage {
	return &RegistryStorage{
		client: client,
		now:    time.Now,
	}
}

// Register 注册服务实例
func (s *RegistryStorage) Register(ctx context.Context, instance model.ServiceInstance) error {
	if err := storage.ValidateInstance(instance); err != nil {
		return err
	}

	key := s.client.GetInstanceKey(instance.Name, instance.ID)
	return s.update(ctx, key, func(existing *model.ServiceInstance) (*model.ServiceInstance, error) {
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
	_, err := s.client.GetClient().Delete(ctx, s.client.GetInstanceKey(name, id))
	if err != nil {
		return storage.NewInternalError(fmt.Sprintf("从etcd删除失败: %v", err))
	}
	return nil
}

// List 获取服务的全部实例
func (s *RegistryStorage) List(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	resp, err := s.client.GetClient().Get(ctx, s.client.GetServicePrefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}

	instances := make([]model.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst model.ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
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
	key := s.client.GetInstanceKey(name, id)
	return s.update(ctx, key, func(existing *model.ServiceInstance) (*model.ServiceInstance, error) {
		if existing == nil {
			return nil, storage.NewNotFoundError("服务实例不存在: " + model.InstanceKey(name, id))
		}
		storage.ApplyHealth(existing, health, at)
		return existing, nil
	})
}

// Snapshot 获取完整的服务目录
func (s *RegistryStorage) Snapshot(ctx context.Context) (model.ServiceDirectory, error) {
	resp, err := s.client.GetClient().Get(ctx, s.client.GetServicesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
	}

	dir := make(model.ServiceDirectory)
	for _, kv := range resp.Kvs {
		name, _, ok := s.client.parseInstanceKey(string(kv.Key))
		if !ok {
			continue
		}
		var inst model.ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		dir[name] = append(dir[name], inst)
	}
	for name := range dir {
		storage.SortInstances(dir[name])
	}
	return dir, nil
}

// Close 关闭etcd连接
func (s *RegistryStorage) Close() error {
	return s.client.Close()
}

// update 以ModRevision做比较的乐观事务完成读-改-写
func (s *RegistryStorage) update(ctx context.Context, key string, mutate func(*model.ServiceInstance) (*model.ServiceInstance, error)) error {
	kv := s.client.GetClient()

	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		resp, err := kv.Get(ctx, key)
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("从etcd读取失败: %v", err))
		}

		var existing *model.ServiceInstance
		var revision int64
		if len(resp.Kvs) > 0 {
			var inst model.ServiceInstance
			if err := json.Unmarshal(resp.Kvs[0].Value, &inst); err != nil {
				return storage.NewInternalError(fmt.Sprintf("解析实例数据失败: %v", err))
			}
			existing = &inst
			revision = resp.Kvs[0].ModRevision
		}

		next, err := mutate(existing)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("序列化实例数据失败: %v", err))
		}

		txn, err := kv.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", revision)).
			Then(clientv3.OpPut(key, string(data))).
			Commit()
		if err != nil {
			return storage.NewInternalError(fmt.Sprintf("写入etcd失败: %v", err))
		}
		if txn.Succeeded {
			return nil
		}
	}

	return storage.NewInternalError(fmt.Sprintf("写入etcd冲突次数过多: %s", key))
}
