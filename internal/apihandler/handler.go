package apihandler

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hewenyu/tenant-gateway/internal/breaker"
	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/internal/gateway"
	"github.com/hewenyu/tenant-gateway/pkg/api/handler"
	"github.com/hewenyu/tenant-gateway/pkg/api/router"
	"github.com/hewenyu/tenant-gateway/pkg/apierror"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// Handler 定义API处理器接口
type Handler interface {
	// StartGatewayAPI 启动网关转发服务
	StartGatewayAPI() error

	// StartRegistrationAPI 启动实例注册API服务
	StartRegistrationAPI() error

	// StartManagementAPI 启动管理API服务
	StartManagementAPI() error

	// Shutdown 优雅关闭API服务
	Shutdown(ctx context.Context) error
}

// Dependencies API服务依赖的核心组件
type Dependencies struct {
	Store    storage.RegistryStore
	Gateway  *gateway.Gateway
	Breakers *breaker.Registry
	Gatherer prometheus.Gatherer
}

var _ Handler = (*EchoHandler)(nil)

// EchoHandler 实现Handler接口
type EchoHandler struct {
	gatewayServer      *echo.Echo
	registrationServer *echo.Echo
	managementServer   *echo.Echo
	cfg                *config.Config
	logger             config.Logger
	deps               Dependencies
}

// NewAPIHandler 创建一个新的API处理器
func NewAPIHandler(cfg *config.Config, logger config.Logger, deps Dependencies) *EchoHandler {
	return &EchoHandler{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}
}

// StartGatewayAPI 启动网关转发服务
func (h *EchoHandler) StartGatewayAPI() error {
	h.gatewayServer = h.buildGatewayServer()
	h.start("网关", h.gatewayServer, h.cfg.API.Gateway)
	return nil
}

// StartRegistrationAPI 启动实例注册API服务
func (h *EchoHandler) StartRegistrationAPI() error {
	h.registrationServer = h.buildRegistrationServer()
	h.start("实例注册API", h.registrationServer, h.cfg.API.Registration)
	return nil
}

// StartManagementAPI 启动管理API服务
func (h *EchoHandler) StartManagementAPI() error {
	h.managementServer = h.buildManagementServer()
	h.start("管理API", h.managementServer, h.cfg.API.Management)
	return nil
}

// Shutdown 优雅关闭API服务，网关最先停止接收请求
func (h *EchoHandler) Shutdown(ctx context.Context) error {
	h.logger.Info("正在关闭API服务...")

	var errs []error
	for _, srv := range []struct {
		name string
		e    *echo.Echo
	}{
		{"网关", h.gatewayServer},
		{"实例注册API", h.registrationServer},
		{"管理API", h.managementServer},
	} {
		if srv.e == nil {
			continue
		}
		if err := srv.e.Shutdown(ctx); err != nil {
			h.logger.Error("关闭服务出错", zap.String("server", srv.name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// start 非阻塞地启动服务
func (h *EchoHandler) start(name string, e *echo.Echo, listen config.ListenConfig) {
	h.logger.Info("启动"+name+"服务",
		zap.String("address", listen.ListenAddress),
		zap.Int("port", listen.Port))

	go func() {
		if err := e.Start(listen.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error(name+"服务启动失败", zap.Error(err))
		}
	}()
}

// newServer 创建带有通用中间件的Echo实例
func (h *EchoHandler) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierror.NewHTTPErrorHandler(h.logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Debug("请求完成",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
				zap.Error(v.Error))
			return nil
		},
	}))
	return e
}

// buildGatewayServer 网关端口只暴露转发路由与健康检查
func (h *EchoHandler) buildGatewayServer() *echo.Echo {
	e := h.newServer()
	e.GET("/health", handler.NewHealthHandler("tenant-gateway").HealthCheck)
	h.deps.Gateway.Register(e)
	return e
}

func (h *EchoHandler) buildRegistrationServer() *echo.Echo {
	e := h.newServer()
	e.Validator = handler.NewValidator()
	e.Use(corsMiddleware())

	router.RegisterRoutes(e,
		handler.NewServiceHandler(h.deps.Store),
		handler.NewHealthHandler("tenant-gateway-registration-api"))
	return e
}

func (h *EchoHandler) buildManagementServer() *echo.Echo {
	e := h.newServer()
	e.Use(corsMiddleware())

	var healthOpts []handler.HealthOption
	if d, ok := h.deps.Store.(interface{ Degraded() bool }); ok {
		healthOpts = append(healthOpts, handler.WithDegraded(d.Degraded))
	}

	router.RegisterManagementRoutes(e,
		handler.NewSnapshotHandler(h.deps.Store, h.deps.Breakers, h.cfg.ServiceNames()),
		handler.NewHealthHandler("tenant-gateway-management-api", healthOpts...),
		handler.NewMetricsHandler(h.deps.Gatherer))
	return e
}

func corsMiddleware() echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	})
}
