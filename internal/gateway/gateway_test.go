package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/tenant-gateway/internal/auth"
	"github.com/hewenyu/tenant-gateway/internal/balancer"
	"github.com/hewenyu/tenant-gateway/internal/breaker"
	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/internal/metrics"
	"github.com/hewenyu/tenant-gateway/pkg/apierror"
	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage/memory"
)

const testSecret = "gateway-secret"

type testEnv struct {
	echo     *echo.Echo
	store    *memory.MemoryStorage
	breakers *breaker.Registry
	balancer *balancer.Balancer
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, timeout time.Duration, breakerOpts ...breaker.Option) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Services = []config.ServiceConfig{
		{Name: "tenant-service", Strategy: "round-robin"},
		{Name: "crm-service", Strategy: "least-connections"},
	}
	cfg.Proxy.Timeout = timeout
	cfg.Breaker = config.BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}
	cfg.Auth = config.AuthConfig{JWTSecret: testSecret, TenantHeader: "X-Tenant-ID", TenantQuery: "tenantId"}

	logger := config.NewNopLogger()
	store := memory.NewMemoryStorage()
	breakers := breaker.NewRegistry(cfg.Breaker, logger, breakerOpts...)
	lb := balancer.New(store)
	m := metrics.NewUnregistered()

	e := echo.New()
	e.HTTPErrorHandler = apierror.NewHTTPErrorHandler(logger)
	e.Use(middleware.RequestID())

	gw := New(cfg, auth.NewResolver(cfg.Auth), breakers, lb, logger, WithMetrics(m))
	gw.Register(e)

	return &testEnv{echo: e, store: store, breakers: breakers, balancer: lb, metrics: m}
}

func (env *testEnv) addInstance(t *testing.T, name, id, url string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.Register(ctx, model.ServiceInstance{ID: id, Name: name, URL: url}))
	require.NoError(t, env.store.UpdateHealth(ctx, name, id, model.HealthStatusHealthy, time.Now()))
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, role model.Role, access model.TenantAccess) string {
	t.Helper()
	claims := auth.Claims{
		UserID:       "u-1",
		Email:        "u1@example.com",
		Role:         role,
		TenantAccess: access,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newRequest(target, bearer, tenant string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	if tenant != "" {
		req.Header.Set(HeaderTenantID, tenant)
	}
	return req
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apierror.Envelope {
	t.Helper()
	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

// recordingBackend 记录最近一次收到的请求
type recordingBackend struct {
	*httptest.Server
	hits atomic.Int32
	last atomic.Pointer[http.Request]
}

func newRecordingBackend(t *testing.T, status int) *recordingBackend {
	t.Helper()
	b := &recordingBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		b.last.Store(r.Clone(context.Background()))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(b.Close)
	return b
}

func TestGateway_ForwardsWithIdentityHeaders(t *testing.T) {
	env := newTestEnv(t, time.Second)
	backend := newRecordingBackend(t, http.StatusOK)
	env.addInstance(t, "tenant-service", "a", backend.URL)

	req := newRequest("/api/tenant-service/tenants/t1/users?page=2", token(t, model.RoleAdmin, model.Tenants("t1")), "")
	req.Header.Set(HeaderUserRole, "superadmin")
	req.Header.Set(HeaderUserID, "spoofed")

	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	got := backend.last.Load()
	require.NotNil(t, got)
	assert.Equal(t, "/tenants/t1/users", got.URL.Path)
	assert.Equal(t, "page=2", got.URL.RawQuery)
	assert.Equal(t, "u-1", got.Header.Get(HeaderUserID))
	assert.Equal(t, "u1@example.com", got.Header.Get(HeaderUserEmail))
	assert.Equal(t, "admin", got.Header.Get(HeaderUserRole), "伪造的身份头应被覆盖")
	assert.Equal(t, "t1", got.Header.Get(HeaderTenantID), "路径中的租户ID")
	assert.NotEmpty(t, got.Header.Get(echo.HeaderXRequestID))
	assert.Empty(t, got.Header.Get(echo.HeaderAuthorization), "凭证不转发给下游")

	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ProxyRequests.WithLabelValues("tenant-service", metrics.OutcomeSuccess)))
}

func TestGateway_Unauthorized(t *testing.T) {
	env := newTestEnv(t, time.Second)
	backend := newRecordingBackend(t, http.StatusOK)
	env.addInstance(t, "tenant-service", "a", backend.URL)

	rec := env.do(newRequest("/api/tenant-service/users", "", "t1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, apierror.CodeUnauthorized, body.Error)
	assert.NotEmpty(t, body.Timestamp)

	rec = env.do(newRequest("/api/tenant-service/users", "garbage", "t1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int32(0), backend.hits.Load())
}

func TestGateway_TenantScoping(t *testing.T) {
	env := newTestEnv(t, time.Second)
	backend := newRecordingBackend(t, http.StatusOK)
	env.addInstance(t, "tenant-service", "a", backend.URL)

	admin := token(t, model.RoleAdmin, model.Tenants("t1"))

	rec := env.do(newRequest("/api/tenant-service/users", admin, "t2"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apierror.CodeForbidden, decodeEnvelope(t, rec).Error)
	assert.Equal(t, int32(0), backend.hits.Load(), "被拒绝的请求不应到达下游")

	rec = env.do(newRequest("/api/tenant-service/users", admin, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierror.CodeBadRequest, decodeEnvelope(t, rec).Error)

	rec = env.do(newRequest("/api/tenant-service/users", admin, "t1"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(newRequest("/api/tenant-service/users", token(t, model.RoleSuperAdmin, model.AllTenants()), ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, backend.last.Load().Header.Get(HeaderTenantID))
}

func TestGateway_UnknownService(t *testing.T) {
	env := newTestEnv(t, time.Second)

	rec := env.do(newRequest("/api/billing-service/invoices", token(t, model.RoleSuperAdmin, model.AllTenants()), ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierror.CodeNotFound, decodeEnvelope(t, rec).Error)
}

func TestGateway_NoHealthyInstance(t *testing.T) {
	env := newTestEnv(t, time.Second)
	require.NoError(t, env.store.Register(context.Background(), model.ServiceInstance{ID: "a", Name: "tenant-service", URL: "http://10.1.2.3:9000"}))

	rec := env.do(newRequest("/api/tenant-service/users", token(t, model.RoleSuperAdmin, model.AllTenants()), ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, apierror.CodeServiceUnavailable, body.Error)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3", "不能泄露实例地址")
}

func TestGateway_UpstreamFailureOpensBreaker(t *testing.T) {
	env := newTestEnv(t, time.Second)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	env.addInstance(t, "tenant-service", "dead", deadURL)

	superadmin := token(t, model.RoleSuperAdmin, model.AllTenants())
	for i := 0; i < 2; i++ {
		rec := env.do(newRequest("/api/tenant-service/users", superadmin, ""))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotContains(t, rec.Body.String(), deadURL)
	}
	assert.True(t, env.breakers.IsOpen("tenant-service"), "连续失败达到阈值后熔断")

	// 熔断期间直接拒绝，不再选择实例
	live := newRecordingBackend(t, http.StatusOK)
	env.addInstance(t, "tenant-service", "live", live.URL)
	rec := env.do(newRequest("/api/tenant-service/users", superadmin, ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int32(0), live.hits.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ProxyRequests.WithLabelValues("tenant-service", metrics.OutcomeRejected)))
}

// stepClock 可手动推进的时钟
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGateway_HalfOpenSlotReturnedWithoutInstance(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	env := newTestEnv(t, time.Second, breaker.WithClock(clock.Now))
	superadmin := token(t, model.RoleSuperAdmin, model.AllTenants())

	env.breakers.RecordFailure("tenant-service")
	env.breakers.RecordFailure("tenant-service")
	clock.Advance(61 * time.Second)

	// 半开放行的请求没有可用实例，不能占住探测名额
	rec := env.do(newRequest("/api/tenant-service/users", superadmin, ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, breaker.StateHalfOpen, env.breakers.Status("tenant-service").State)

	backend := newRecordingBackend(t, http.StatusOK)
	env.addInstance(t, "tenant-service", "a", backend.URL)
	clock.Advance(30 * time.Second)

	rec = env.do(newRequest("/api/tenant-service/users", superadmin, ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), backend.hits.Load())
	assert.Equal(t, breaker.StateClosed, env.breakers.Status("tenant-service").State)
}

func TestGateway_HalfOpenSlotReturnedOnClientCancel(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	env := newTestEnv(t, time.Second, breaker.WithClock(clock.Now))
	superadmin := token(t, model.RoleSuperAdmin, model.AllTenants())

	backend := newRecordingBackend(t, http.StatusOK)
	env.addInstance(t, "tenant-service", "a", backend.URL)

	env.breakers.RecordFailure("tenant-service")
	env.breakers.RecordFailure("tenant-service")
	clock.Advance(61 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.do(newRequest("/api/tenant-service/users", superadmin, "").WithContext(ctx))

	status := env.breakers.Status("tenant-service")
	assert.Equal(t, breaker.StateHalfOpen, status.State, "调用方取消不计入失败")

	rec := env.do(newRequest("/api/tenant-service/users", superadmin, ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, breaker.StateClosed, env.breakers.Status("tenant-service").State)
}

func TestGateway_DownstreamTimeout(t *testing.T) {
	env := newTestEnv(t, 100*time.Millisecond)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()
	env.addInstance(t, "tenant-service", "slow", slow.URL)

	start := time.Now()
	rec := env.do(newRequest("/api/tenant-service/users", token(t, model.RoleSuperAdmin, model.AllTenants()), ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Less(t, time.Since(start), 2*time.Second, "下游挂起不能阻塞调用方")
	assert.Equal(t, 1, env.breakers.Status("tenant-service").FailureCount)
}

func TestGateway_DownstreamErrorStatusIsTransportSuccess(t *testing.T) {
	env := newTestEnv(t, time.Second)
	backend := newRecordingBackend(t, http.StatusInternalServerError)
	env.addInstance(t, "tenant-service", "a", backend.URL)
	env.breakers.RecordFailure("tenant-service")

	rec := env.do(newRequest("/api/tenant-service/users", token(t, model.RoleSuperAdmin, model.AllTenants()), ""))
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "下游状态码原样返回")

	status := env.breakers.Status("tenant-service")
	assert.Equal(t, breaker.StateClosed, status.State)
	assert.Equal(t, 0, status.FailureCount, "下游有响应即视为成功")
}

func TestGateway_LeastConnectionsReleased(t *testing.T) {
	env := newTestEnv(t, time.Second)
	a := newRecordingBackend(t, http.StatusOK)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	env.addInstance(t, "crm-service", "a", a.URL)
	env.addInstance(t, "crm-service", "b", dead.URL)

	superadmin := token(t, model.RoleSuperAdmin, model.AllTenants())
	for i := 0; i < 4; i++ {
		env.do(newRequest("/api/crm-service/customers", superadmin, ""))
	}

	instances, err := env.store.List(context.Background(), "crm-service")
	require.NoError(t, err)
	for _, inst := range instances {
		assert.Equal(t, int64(0), env.balancer.InFlight(inst), "成功或失败后都应释放在途计数")
	}
}

func TestTenantFromPath(t *testing.T) {
	assert.Equal(t, "t1", tenantFromPath("tenants/t1/users"))
	assert.Equal(t, "t1", tenantFromPath("tenants/t1"))
	assert.Equal(t, "", tenantFromPath("tenants"))
	assert.Equal(t, "", tenantFromPath("users/t1"))
}
