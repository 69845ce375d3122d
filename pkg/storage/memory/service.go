package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// serviceBucket 保存单个服务名称下的实例，每个服务各自加锁
type serviceBucket struct {
	mutex     sync.RWMutex
	instances map[string]*model.ServiceInstance
}

// MemoryStorage 是基于内存的注册表实现，用于测试以及外部存储不可用时的兜底镜像
type MemoryStorage struct {
	buckets sync.Map // 服务名称 -> *serviceBucket
	now     func() time.Time
}

// NewMemoryStorage 创建新的内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{now: time.Now}
}

// bucket 获取服务对应的桶，不存在时按需创建
func (m *MemoryStorage) bucket(name string) *serviceBucket {
	if b, ok := m.buckets.Load(name); ok {
		return b.(*serviceBucket)
	}
	b, _ := m.buckets.LoadOrStore(name, &serviceBucket{
		instances: make(map[string]*model.ServiceInstance),
	})
	return b.(*serviceBucket)
}

// lookup 获取已存在的桶
func (m *MemoryStorage) lookup(name string) (*serviceBucket, bool) {
	b, ok := m.buckets.Load(name)
	if !ok {
		return nil, false
	}
	return b.(*serviceBucket), true
}

// Register 注册服务实例
func (m *MemoryStorage) Register(ctx context.Context, instance model.ServiceInstance) error {
	if err := storage.ValidateInstance(instance); err != nil {
		return err
	}

	b := m.bucket(instance.Name)
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if existing, ok := b.instances[instance.ID]; ok {
		merged := existing.MergeRegistration(instance)
		b.instances[instance.ID] = &merged
		return nil
	}

	created := storage.PrepareNew(instance, m.now())
	b.instances[instance.ID] = &created
	return nil
}

// Deregister 注销服务实例
func (m *MemoryStorage) Deregister(ctx context.Context, name, id string) error {
	b, ok := m.lookup(name)
	if !ok {
		return nil
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.instances, id)
	return nil
}

// List 获取服务的全部实例
func (m *MemoryStorage) List(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	b, ok := m.lookup(name)
	if !ok {
		return []model.ServiceInstance{}, nil
	}
	return b.list(), nil
}

// ListHealthy 获取服务的健康实例
func (m *MemoryStorage) ListHealthy(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	instances, err := m.List(ctx, name)
	if err != nil {
		return nil, err
	}
	return storage.FilterHealthy(instances), nil
}

// UpdateHealth 更新实例健康状态
func (m *MemoryStorage) UpdateHealth(ctx context.Context, name, id string, health model.HealthStatus, at time.Time) error {
	b, ok := m.lookup(name)
	if !ok {
		return storage.NewNotFoundError("服务实例不存在: " + model.InstanceKey(name, id))
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	inst, ok := b.instances[id]
	if !ok {
		return storage.NewNotFoundError("服务实例不存在: " + model.InstanceKey(name, id))
	}
	storage.ApplyHealth(inst, health, at)
	return nil
}

// Snapshot 获取完整的服务目录
func (m *MemoryStorage) Snapshot(ctx context.Context) (model.ServiceDirectory, error) {
	dir := make(model.ServiceDirectory)
	m.buckets.Range(func(key, value any) bool {
		dir[key.(string)] = value.(*serviceBucket).list()
		return true
	})
	return dir, nil
}

// ReplaceService 用外部存储读到的结果整体替换某个服务的实例集合
func (m *MemoryStorage) ReplaceService(name string, instances []model.ServiceInstance) {
	b := m.bucket(name)
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.instances = make(map[string]*model.ServiceInstance, len(instances))
	for _, inst := range instances {
		cp := inst.Clone()
		b.instances[inst.ID] = &cp
	}
}

// ReplaceAll 用完整的服务目录替换全部实例，目录中不存在的服务被清空
func (m *MemoryStorage) ReplaceAll(dir model.ServiceDirectory) {
	m.buckets.Range(func(key, _ any) bool {
		if _, ok := dir[key.(string)]; !ok {
			m.ReplaceService(key.(string), nil)
		}
		return true
	})
	for name, instances := range dir {
		m.ReplaceService(name, instances)
	}
}

// Close 内存存储无需释放资源
func (m *MemoryStorage) Close() error {
	return nil
}

func (b *serviceBucket) list() []model.ServiceInstance {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	out := make([]model.ServiceInstance, 0, len(b.instances))
	for _, inst := range b.instances {
		out = append(out, inst.Clone())
	}
	storage.SortInstances(out)
	return out
}
