package router

import (
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/tenant-gateway/pkg/api/handler"
)

// RegisterRoutes 配置实例注册相关路由
func RegisterRoutes(e *echo.Echo, serviceHandler *handler.ServiceHandler, healthHandler *handler.HealthHandler) {
	// API分组，版本v1
	api := e.Group("/api/v1")

	api.POST("/instances", serviceHandler.RegisterInstance)               // 注册实例
	api.DELETE("/instances/:name/:id", serviceHandler.DeregisterInstance) // 注销实例
	api.GET("/services/:name/instances", serviceHandler.ListInstances)    // 查询实例列表

	// 健康检查
	e.GET("/health", healthHandler.HealthCheck)
}
