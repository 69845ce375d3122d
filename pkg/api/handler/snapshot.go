package handler

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/tenant-gateway/internal/breaker"
	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// ServiceSnapshot 单个服务的只读视图
type ServiceSnapshot struct {
	Name      string                  `json:"name"`
	Instances []model.ServiceInstance `json:"instances"`
	Total     int                     `json:"total"`
	Healthy   int                     `json:"healthy"`
	Breaker   breaker.Status          `json:"breaker"`
}

// SnapshotHandler 输出注册表和熔断器状态，供运维查看
type SnapshotHandler struct {
	store    storage.RegistryStore
	breakers *breaker.Registry
	services []string
}

// NewSnapshotHandler 创建快照处理器，services为配置中的逻辑服务，即使没有实例也会输出
func NewSnapshotHandler(store storage.RegistryStore, breakers *breaker.Registry, services []string) *SnapshotHandler {
	return &SnapshotHandler{
		store:    store,
		breakers: breakers,
		services: services,
	}
}

// GetSnapshot 获取服务目录快照
func (h *SnapshotHandler) GetSnapshot(c echo.Context) error {
	dir, err := h.store.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}

	names := make(map[string]struct{}, len(dir)+len(h.services))
	for name := range dir {
		names[name] = struct{}{}
	}
	for _, name := range h.services {
		names[name] = struct{}{}
	}
	for name := range h.breakers.Statuses() {
		names[name] = struct{}{}
	}

	services := make([]ServiceSnapshot, 0, len(names))
	for name := range names {
		instances := dir[name]
		if instances == nil {
			instances = []model.ServiceInstance{}
		}
		services = append(services, ServiceSnapshot{
			Name:      name,
			Instances: instances,
			Total:     len(instances),
			Healthy:   dir.HealthyCount(name),
			Breaker:   h.breakers.Status(name),
		})
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})

	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"services": services,
		},
	})
}
