package storage

import (
	"context"
	"sort"
	"time"

	"github.com/hewenyu/tenant-gateway/pkg/model"
)

// RegistryStore 定义服务注册表存储接口
//
// 健康状态只能通过UpdateHealth修改，调用方读到的都是实例快照。
type RegistryStore interface {
	// Register 按(name, id)幂等写入，覆盖url和metadata，不修改健康状态
	Register(ctx context.Context, instance model.ServiceInstance) error

	// Deregister 注销服务实例，实例不存在时不做任何操作
	Deregister(ctx context.Context, name, id string) error

	// List 返回服务下全部已知实例，不按健康状态过滤
	List(ctx context.Context, name string) ([]model.ServiceInstance, error)

	// ListHealthy 仅返回健康的实例
	ListHealthy(ctx context.Context, name string) ([]model.ServiceInstance, error)

	// UpdateHealth 更新实例健康状态，仅由健康探测器调用
	UpdateHealth(ctx context.Context, name, id string, health model.HealthStatus, at time.Time) error

	// Snapshot 返回完整的服务目录
	Snapshot(ctx context.Context) (model.ServiceDirectory, error)

	// Close 释放底层连接
	Close() error
}

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StorageError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{
		Code:    ErrInternal,
		Message: message,
	}
}

// IsNotFound 判断是否为资源不存在错误
func IsNotFound(err error) bool {
	se, ok := err.(*StorageError)
	return ok && se.Code == ErrNotFound
}

// ValidateInstance 校验注册参数
func ValidateInstance(instance model.ServiceInstance) error {
	if instance.ID == "" || instance.Name == "" || instance.URL == "" {
		return NewInvalidArgumentError("实例ID、服务名称和url不能为空")
	}
	return nil
}

// PrepareNew 为首次注册的实例填充初始状态
func PrepareNew(instance model.ServiceInstance, now time.Time) model.ServiceInstance {
	out := instance.Clone()
	out.Health = model.HealthStatusUnknown
	out.LastHealthCheck = time.Time{}
	out.LastHealthyAt = time.Time{}
	if out.RegisteredAt.IsZero() {
		out.RegisteredAt = now
	}
	return out
}

// ApplyHealth 将一次探测结果应用到实例上
func ApplyHealth(instance *model.ServiceInstance, health model.HealthStatus, at time.Time) {
	instance.Health = health
	instance.LastHealthCheck = at
	if health == model.HealthStatusHealthy {
		instance.LastHealthyAt = at
	}
}

// FilterHealthy 过滤出健康实例
func FilterHealthy(instances []model.ServiceInstance) []model.ServiceInstance {
	healthy := make([]model.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// SortInstances 按注册时间、实例ID排序，使不同后端返回的顺序一致
func SortInstances(instances []model.ServiceInstance) {
	sort.SliceStable(instances, func(i, j int) bool {
		if !instances[i].RegisteredAt.Equal(instances[j].RegisteredAt) {
			return instances[i].RegisteredAt.Before(instances[j].RegisteredAt)
		}
		return instances[i].ID < instances[j].ID
	})
}
