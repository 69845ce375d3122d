package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hewenyu/tenant-gateway/internal/apihandler"
	"github.com/hewenyu/tenant-gateway/internal/auth"
	"github.com/hewenyu/tenant-gateway/internal/balancer"
	"github.com/hewenyu/tenant-gateway/internal/breaker"
	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/internal/gateway"
	"github.com/hewenyu/tenant-gateway/internal/health"
	"github.com/hewenyu/tenant-gateway/internal/metrics"
	"github.com/hewenyu/tenant-gateway/pkg/dns"
)

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := appConfig.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置校验失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLogger(appConfig.Log.Development, appConfig.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	if s, ok := logger.(interface{ Sync() error }); ok {
		defer s.Sync()
	}

	logger.Info("Tenant Gateway Starting...",
		zap.String("version", "0.1.0"),
		zap.String("registry_backend", appConfig.Registry.Backend),
		zap.Strings("services", appConfig.ServiceNames()),
		zap.Int("gateway_port", appConfig.API.Gateway.Port),
		zap.Int("registration_api_port", appConfig.API.Registration.Port),
		zap.Int("management_api_port", appConfig.API.Management.Port),
	)

	if err := run(); err != nil {
		logger.Error("网关运行失败", zap.Error(err))
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// 注册表存储
	store, err := openStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("关闭注册表存储失败", zap.Error(err))
		}
	}()

	// 健康探测
	prober := health.NewProber(store, appConfig.Health, logger,
		health.WithMetrics(m),
		health.WithInstanceTTL(appConfig.Registry.InstanceTTL))
	prober.Start(ctx)
	defer prober.Stop()

	// 路由核心
	breakers := breaker.NewRegistry(appConfig.Breaker, logger, breaker.WithMetrics(m))
	lb := balancer.New(store)
	resolver := auth.NewResolver(appConfig.Auth)
	gw := gateway.New(appConfig, resolver, breakers, lb, logger, gateway.WithMetrics(m))

	// 可选的DNS视图
	var dnsServer *dns.Server
	if appConfig.DNS.Enabled {
		dnsServer = dns.NewServer(appConfig, store, logger)
		if err := dnsServer.Start(ctx); err != nil {
			return fmt.Errorf("启动DNS服务失败: %w", err)
		}
	}

	// API服务
	apiHandler := apihandler.NewAPIHandler(appConfig, logger, apihandler.Dependencies{
		Store:    store,
		Gateway:  gw,
		Breakers: breakers,
		Gatherer: reg,
	})
	if err := apiHandler.StartManagementAPI(); err != nil {
		return fmt.Errorf("启动管理API服务失败: %w", err)
	}
	if err := apiHandler.StartRegistrationAPI(); err != nil {
		return fmt.Errorf("启动实例注册API服务失败: %w", err)
	}
	if err := apiHandler.StartGatewayAPI(); err != nil {
		return fmt.Errorf("启动网关服务失败: %w", err)
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭API服务出错", zap.Error(err))
	}
	if dnsServer != nil {
		if err := dnsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("关闭DNS服务出错", zap.Error(err))
		}
	}
	// 其余组件按创建的逆序由defer关闭
	return nil
}
