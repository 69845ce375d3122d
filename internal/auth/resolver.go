package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/pkg/model"
)

var (
	// ErrNoCredential 请求未携带Bearer凭证
	ErrNoCredential = errors.New("缺少凭证")
	// ErrInvalidCredential 凭证格式错误、签名不匹配或已过期
	ErrInvalidCredential = errors.New("凭证无效或已过期")
	// ErrTenantRequired 非超级管理员请求未指定租户
	ErrTenantRequired = errors.New("缺少租户ID")
	// ErrTenantForbidden 调用方无权访问请求的租户
	ErrTenantForbidden = errors.New("无权访问该租户")
)

// Claims 凭证中携带的身份声明，用户ID取id，缺省时取sub
type Claims struct {
	UserID       string             `json:"id,omitempty"`
	Email        string             `json:"email"`
	Role         model.Role         `json:"role"`
	TenantAccess model.TenantAccess `json:"tenantAccess"`
	jwt.RegisteredClaims
}

// Resolver 校验Bearer凭证并解析请求的租户范围
type Resolver struct {
	secret       []byte
	parser       *jwt.Parser
	tenantHeader string
	tenantQuery  string
}

// Option 配置Resolver
type Option func(*resolverOptions)

type resolverOptions struct {
	now func() time.Time
}

// WithClock 替换校验过期时间使用的时间源
func WithClock(now func() time.Time) Option {
	return func(o *resolverOptions) {
		o.now = now
	}
}

// NewResolver 创建上下文解析器
func NewResolver(cfg config.AuthConfig, opts ...Option) *Resolver {
	o := resolverOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(o.now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}

	r := &Resolver{
		secret:       []byte(cfg.JWTSecret),
		parser:       jwt.NewParser(parserOpts...),
		tenantHeader: cfg.TenantHeader,
		tenantQuery:  cfg.TenantQuery,
	}
	if r.tenantHeader == "" {
		r.tenantHeader = "X-Tenant-ID"
	}
	if r.tenantQuery == "" {
		r.tenantQuery = "tenantId"
	}
	return r
}

// TenantHeader 返回读取租户ID的请求头名称
func (r *Resolver) TenantHeader() string {
	return r.tenantHeader
}

// Resolve 从Authorization头校验凭证并还原调用方身份
func (r *Resolver) Resolve(req *http.Request) (model.AuthContext, error) {
	token, ok := bearerToken(req)
	if !ok {
		return model.AuthContext{}, ErrNoCredential
	}

	claims := &Claims{}
	_, err := r.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	})
	if err != nil {
		return model.AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" || !claims.Role.Valid() {
		return model.AuthContext{}, fmt.Errorf("%w: 缺少用户ID或角色无效", ErrInvalidCredential)
	}

	access := claims.TenantAccess
	if claims.Role == model.RoleSuperAdmin {
		access = model.AllTenants()
	}

	return model.AuthContext{
		ID:           id,
		Email:        claims.Email,
		Role:         claims.Role,
		TenantAccess: access,
	}, nil
}

// ResolveTenant 按请求头、查询参数、路径参数的顺序解析租户ID并校验访问范围
func (r *Resolver) ResolveTenant(req *http.Request, pathTenant string, ac model.AuthContext) (model.RequestTenantContext, error) {
	tenantID := strings.TrimSpace(req.Header.Get(r.tenantHeader))
	if tenantID == "" {
		tenantID = strings.TrimSpace(req.URL.Query().Get(r.tenantQuery))
	}
	if tenantID == "" {
		tenantID = strings.TrimSpace(pathTenant)
	}

	if tenantID == "" {
		if ac.Role == model.RoleSuperAdmin {
			return model.RequestTenantContext{}, nil
		}
		return model.RequestTenantContext{}, ErrTenantRequired
	}

	if ac.Role != model.RoleSuperAdmin && !ac.TenantAccess.Allows(tenantID) {
		return model.RequestTenantContext{}, ErrTenantForbidden
	}
	return model.RequestTenantContext{TenantID: tenantID}, nil
}

// bearerToken 提取Authorization: Bearer <token>
func bearerToken(req *http.Request) (string, bool) {
	header := req.Header.Get(echo.HeaderAuthorization)
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
