package model

import (
	"fmt"
	"time"
)

// HealthStatus 表示服务实例健康状态
type HealthStatus string

const (
	// HealthStatusHealthy 健康状态
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy 不健康状态
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown 未知状态，新注册实例的初始状态
	HealthStatusUnknown HealthStatus = "unknown"
)

// ServiceInstance 表示一个已注册的后端实例
type ServiceInstance struct {
	ID              string            `json:"id"`                // 实例ID，在同一服务名称下唯一
	Name            string            `json:"name"`              // 逻辑服务名称
	URL             string            `json:"url"`               // 转发请求的基础地址
	Health          HealthStatus      `json:"health"`            // 最近一次观测到的健康状态
	LastHealthCheck time.Time         `json:"last_health_check"` // 最近一次探测时间
	LastHealthyAt   time.Time         `json:"last_healthy_at"`   // 最近一次探测成功的时间
	RegisteredAt    time.Time         `json:"registered_at"`     // 首次注册时间
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Key 返回实例在全局范围内的唯一键
func (s ServiceInstance) Key() string {
	return InstanceKey(s.Name, s.ID)
}

// IsHealthy 判断实例是否健康
func (s ServiceInstance) IsHealthy() bool {
	return s.Health == HealthStatusHealthy
}

// Clone 返回实例的深拷贝，调用方只能拿到快照
func (s ServiceInstance) Clone() ServiceInstance {
	out := s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// MergeRegistration 将一次重复注册合并进已有实例：覆盖url和metadata，保留健康状态
func (s ServiceInstance) MergeRegistration(incoming ServiceInstance) ServiceInstance {
	out := s.Clone()
	out.URL = incoming.URL
	out.Metadata = incoming.Clone().Metadata
	return out
}

// InstanceKey 由服务名称和实例ID组成唯一键
func InstanceKey(name, id string) string {
	return fmt.Sprintf("%s/%s", name, id)
}

// ServiceDirectory 服务名称到实例集合的映射
type ServiceDirectory map[string][]ServiceInstance

// HealthyCount 统计指定服务的健康实例数量
func (d ServiceDirectory) HealthyCount(name string) int {
	n := 0
	for _, inst := range d[name] {
		if inst.IsHealthy() {
			n++
		}
	}
	return n
}
