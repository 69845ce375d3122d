package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/tenant-gateway/pkg/api/handler"
)

// RegisterManagementRoutes 配置管理API相关路由
func RegisterManagementRoutes(e *echo.Echo, snapshotHandler *handler.SnapshotHandler, healthHandler *handler.HealthHandler, metricsHandler *handler.MetricsHandler) {
	api := e.Group("/api/v1")
	api.GET("/snapshot", snapshotHandler.GetSnapshot) // 服务目录与熔断器状态

	e.GET("/metrics", metricsHandler.GetMetrics) // prometheus指标
	e.GET("/health", healthHandler.HealthCheck)  // 健康检查
}
