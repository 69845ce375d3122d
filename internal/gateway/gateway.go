package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/tenant-gateway/internal/auth"
	"github.com/hewenyu/tenant-gateway/internal/balancer"
	"github.com/hewenyu/tenant-gateway/internal/breaker"
	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/internal/metrics"
	"github.com/hewenyu/tenant-gateway/pkg/apierror"
	"github.com/hewenyu/tenant-gateway/pkg/model"
)

// 转发给下游服务的身份头
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserRole  = "X-User-Role"
	HeaderTenantID  = "X-Tenant-ID"
)

// echo上下文中保存本次请求选中实例的键
const targetKey = "gateway.target"

// Gateway 将入站请求解析身份后经熔断器和负载均衡转发到后端实例
type Gateway struct {
	resolver   *auth.Resolver
	breakers   *breaker.Registry
	balancer   *balancer.Balancer
	strategies map[string]balancer.Strategy
	timeout    time.Duration
	transport  http.RoundTripper

	logger  config.Logger
	metrics *metrics.Metrics
}

// Option 配置Gateway
type Option func(*Gateway)

// WithTransport 替换转发使用的RoundTripper
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) {
		g.transport = rt
	}
}

// WithMetrics 导出转发结果指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New 创建网关，只路由配置中声明的逻辑服务
func New(cfg *config.Config, resolver *auth.Resolver, breakers *breaker.Registry, lb *balancer.Balancer, logger config.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		resolver:   resolver,
		breakers:   breakers,
		balancer:   lb,
		strategies: make(map[string]balancer.Strategy, len(cfg.Services)),
		timeout:    cfg.Proxy.Timeout,
		logger:     logger,
	}
	for _, svc := range cfg.Services {
		strategy := svc.Strategy
		if strategy == "" {
			strategy = cfg.Balancer.DefaultStrategy
		}
		g.strategies[svc.Name] = balancer.ParseStrategy(strategy)
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register 在echo实例上注册网关路由
func (g *Gateway) Register(e *echo.Echo) {
	proxy := middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer:     targetBalancer{},
		ContextKey:   "target",
		Transport:    g.transport,
		ErrorHandler: g.upstreamError,
	})
	e.Any("/api/:service/*", unreachable, g.route, proxy)
	e.Any("/api/:service", unreachable, g.route, proxy)
}

// route 依次完成身份校验、熔断判断和实例选择，之后交给代理转发
func (g *Gateway) route(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		ac, err := g.resolver.Resolve(req)
		if err != nil {
			return mapAuthError(err)
		}

		name := c.Param("service")
		strategy, ok := g.strategies[name]
		if !ok {
			return apierror.NotFound("服务不存在")
		}

		rest := strings.TrimPrefix(c.Param("*"), "/")
		tc, err := g.resolver.ResolveTenant(req, tenantFromPath(rest), ac)
		if err != nil {
			return mapAuthError(err)
		}

		if g.breakers.IsOpen(name) {
			g.observe(name, metrics.OutcomeRejected)
			return apierror.ServiceUnavailable("服务暂不可用，请稍后重试")
		}

		inst, err := g.balancer.SelectInstance(req.Context(), name, strategy)
		if err != nil {
			g.breakers.Abandon(name)
			if !errors.Is(err, balancer.ErrNoHealthyInstance) {
				g.logger.Error("选择实例失败", zap.String("service", name), zap.Error(err))
			}
			g.observe(name, metrics.OutcomeRejected)
			return apierror.ServiceUnavailable("服务暂不可用，请稍后重试")
		}

		target, err := url.Parse(inst.URL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			g.logger.Error("实例地址无效",
				zap.String("service", name),
				zap.String("id", inst.ID),
				zap.String("url", inst.URL))
			g.breakers.RecordFailure(name)
			g.observe(name, metrics.OutcomeFailure)
			return apierror.ServiceUnavailable("服务暂不可用，请稍后重试")
		}

		ctx, cancel := context.WithTimeout(req.Context(), g.timeout)
		defer cancel()

		out := req.Clone(ctx)
		out.URL.Path = "/" + rest
		out.URL.RawPath = ""
		injectHeaders(out.Header, ac, tc, c.Response().Header().Get(echo.HeaderXRequestID))
		c.SetRequest(out)
		c.Set(targetKey, &middleware.ProxyTarget{Name: inst.Key(), URL: target})

		g.balancer.Acquire(inst)
		defer g.balancer.Release(inst)

		if err := next(c); err != nil {
			return err
		}

		g.breakers.RecordSuccess(name)
		g.observe(name, metrics.OutcomeSuccess)
		return nil
	}
}

// upstreamError 转发失败时记录熔断失败，并返回统一的服务不可用错误
func (g *Gateway) upstreamError(c echo.Context, err error) error {
	name := c.Param("service")

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == middleware.StatusCodeContextCanceled {
		// 调用方主动断开，不计入下游失败，半开时归还探测名额
		g.breakers.Abandon(name)
		g.logger.Debug("调用方取消请求", zap.String("service", name))
		return apierror.ServiceUnavailable("请求已取消")
	}

	g.breakers.RecordFailure(name)
	g.observe(name, metrics.OutcomeFailure)
	g.logger.Warn("转发请求失败",
		zap.String("service", name),
		zap.String("request_id", c.Request().Header.Get(echo.HeaderXRequestID)),
		zap.Error(err))
	return apierror.ServiceUnavailable("服务暂不可用，请稍后重试")
}

func (g *Gateway) observe(name, outcome string) {
	if g.metrics != nil {
		g.metrics.ProxyRequests.WithLabelValues(name, outcome).Inc()
	}
}

// injectHeaders 清除调用方伪造的身份头并写入已校验的身份
func injectHeaders(h http.Header, ac model.AuthContext, tc model.RequestTenantContext, requestID string) {
	for _, key := range []string{HeaderUserID, HeaderUserEmail, HeaderUserRole, HeaderTenantID} {
		h.Del(key)
	}
	h.Del(echo.HeaderAuthorization)

	h.Set(HeaderUserID, ac.ID)
	h.Set(HeaderUserRole, string(ac.Role))
	if ac.Email != "" {
		h.Set(HeaderUserEmail, ac.Email)
	}
	if tc.TenantID != "" {
		h.Set(HeaderTenantID, tc.TenantID)
	}
	if requestID != "" {
		h.Set(echo.HeaderXRequestID, requestID)
	}
}

// tenantFromPath 从 tenants/<id>/... 形式的路径中取出租户ID
func tenantFromPath(rest string) string {
	segments := strings.SplitN(rest, "/", 3)
	if len(segments) >= 2 && segments[0] == "tenants" {
		return segments[1]
	}
	return ""
}

// mapAuthError 将身份与租户错误转换为对外错误
func mapAuthError(err error) error {
	switch {
	case errors.Is(err, auth.ErrNoCredential):
		return apierror.Unauthorized("缺少凭证")
	case errors.Is(err, auth.ErrInvalidCredential):
		return apierror.Unauthorized("凭证无效或已过期")
	case errors.Is(err, auth.ErrTenantRequired):
		return apierror.BadRequest("缺少租户ID")
	case errors.Is(err, auth.ErrTenantForbidden):
		return apierror.Forbidden("无权访问该租户")
	default:
		return apierror.Internal()
	}
}

// unreachable 代理中间件总是自行返回，不会调用到该处理函数
func unreachable(c echo.Context) error {
	return apierror.NotFound("资源不存在")
}

// targetBalancer 直接返回route中已经选好的实例
type targetBalancer struct{}

func (targetBalancer) AddTarget(*middleware.ProxyTarget) bool { return false }

func (targetBalancer) RemoveTarget(string) bool { return false }

func (targetBalancer) Next(c echo.Context) *middleware.ProxyTarget {
	target, _ := c.Get(targetKey).(*middleware.ProxyTarget)
	return target
}
