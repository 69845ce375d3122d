package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthHandler 网关自身的存活检查
type HealthHandler struct {
	service  string
	degraded func() bool
}

// HealthOption 配置HealthHandler
type HealthOption func(*HealthHandler)

// WithDegraded 报告注册表是否正在使用本地镜像降级服务
func WithDegraded(fn func() bool) HealthOption {
	return func(h *HealthHandler) {
		h.degraded = fn
	}
}

// NewHealthHandler 创建健康检查处理器，service为返回中标识的服务名
func NewHealthHandler(service string, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		service: service,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck 健康检查处理函数
func (h *HealthHandler) HealthCheck(c echo.Context) error {
	details := map[string]interface{}{
		"uptime":     time.Since(startTime).String(),
		"resources":  getResourceUsage(),
		"goroutines": runtime.NumGoroutine(),
	}

	// 降级时仍返回200，网关可以继续依靠镜像转发
	status := "ok"
	if h.degraded != nil && h.degraded() {
		status = "degraded"
		details["registry"] = "serving from local mirror"
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Service:   h.service,
		Timestamp: time.Now(),
		Details:   details,
	})
}

// 应用启动时间
var startTime = time.Now()

// getResourceUsage 获取资源使用情况
func getResourceUsage() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"memory_alloc": formatBytes(memStats.Alloc),
		"memory_sys":   formatBytes(memStats.Sys),
		"memory_heap":  formatBytes(memStats.HeapAlloc),
		"num_gc":       memStats.NumGC,
	}
}

// formatBytes 将字节数格式化为可读形式
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
