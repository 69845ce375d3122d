package balancer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// ErrNoHealthyInstance 服务没有健康实例
var ErrNoHealthyInstance = errors.New("没有可用的健康实例")

// Balancer 从注册表的健康实例中为每个请求选择一个实例
type Balancer struct {
	store storage.RegistryStore

	cursors sync.Map // 服务名称 -> *atomic.Uint64
	conns   sync.Map // 服务名称 -> *connBucket
	intn    func(n int) int
}

// New 创建负载均衡器
func New(store storage.RegistryStore) *Balancer {
	return &Balancer{
		store: store,
		intn:  rand.Intn,
	}
}

// SelectInstance 按策略选择一个健康实例，没有健康实例时返回ErrNoHealthyInstance
func (b *Balancer) SelectInstance(ctx context.Context, name string, strategy Strategy) (model.ServiceInstance, error) {
	instances, err := b.store.ListHealthy(ctx, name)
	if err != nil {
		return model.ServiceInstance{}, err
	}

	switch len(instances) {
	case 0:
		return model.ServiceInstance{}, ErrNoHealthyInstance
	case 1:
		return instances[0], nil
	}

	switch strategy {
	case Random:
		return instances[b.intn(len(instances))], nil
	case LeastConnections:
		return b.leastConnections(instances), nil
	default:
		return b.roundRobin(name, instances), nil
	}
}

// roundRobin 游标取当前健康实例数的模，实例集合变化后自然收敛到新集合内
func (b *Balancer) roundRobin(name string, instances []model.ServiceInstance) model.ServiceInstance {
	v, ok := b.cursors.Load(name)
	if !ok {
		v, _ = b.cursors.LoadOrStore(name, new(atomic.Uint64))
	}
	cursor := v.(*atomic.Uint64).Add(1) - 1
	return instances[cursor%uint64(len(instances))]
}

// leastConnections 选择在途请求最少的实例，相同时取列表中靠前的
func (b *Balancer) leastConnections(instances []model.ServiceInstance) model.ServiceInstance {
	best := 0
	bestCount := b.InFlight(instances[0])
	for i := 1; i < len(instances); i++ {
		if n := b.InFlight(instances[i]); n < bestCount {
			best, bestCount = i, n
		}
	}
	return instances[best]
}

// connBucket 单个服务下各实例的在途请求数，计数归零时删除
type connBucket struct {
	mutex  sync.Mutex
	counts map[string]int64 // 实例ID -> 在途请求数
}

func (b *Balancer) bucket(name string) *connBucket {
	if v, ok := b.conns.Load(name); ok {
		return v.(*connBucket)
	}
	v, _ := b.conns.LoadOrStore(name, &connBucket{counts: make(map[string]int64)})
	return v.(*connBucket)
}

// Acquire 请求转发到实例时增加在途计数
func (b *Balancer) Acquire(instance model.ServiceInstance) {
	cb := b.bucket(instance.Name)
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.counts[instance.ID]++
}

// Release 请求结束时减少在途计数，计数不会小于0
func (b *Balancer) Release(instance model.ServiceInstance) {
	v, ok := b.conns.Load(instance.Name)
	if !ok {
		return
	}
	cb := v.(*connBucket)
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	n, ok := cb.counts[instance.ID]
	if !ok {
		return
	}
	if n <= 1 {
		// 归零即删除，注销的实例不留下计数
		delete(cb.counts, instance.ID)
		return
	}
	cb.counts[instance.ID] = n - 1
}

// InFlight 返回实例当前的在途请求数
func (b *Balancer) InFlight(instance model.ServiceInstance) int64 {
	v, ok := b.conns.Load(instance.Name)
	if !ok {
		return 0
	}
	cb := v.(*connBucket)
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.counts[instance.ID]
}
