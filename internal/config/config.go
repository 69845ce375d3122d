package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 注册中心后端类型
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
	BackendRedis  = "redis"
)

// ListenConfig 监听地址配置
type ListenConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// Address 返回 host:port 形式的监听地址
func (l ListenConfig) Address() string {
	return fmt.Sprintf("%s:%d", l.ListenAddress, l.Port)
}

// EtcdConfig etcd配置
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
}

// RedisConfig redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	Backend     string        `mapstructure:"backend"`      // "memory", "etcd" 或 "redis"
	OpTimeout   time.Duration `mapstructure:"op_timeout"`   // 单次后端操作超时
	InstanceTTL time.Duration `mapstructure:"instance_ttl"` // 0表示不自动摘除
	Etcd        EtcdConfig    `mapstructure:"etcd"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

// HealthConfig 健康探测配置
type HealthConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Path           string        `mapstructure:"path"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// ServiceConfig 网关可路由的逻辑服务
type ServiceConfig struct {
	Name     string `mapstructure:"name"`
	Strategy string `mapstructure:"strategy"`
}

// AuthConfig 身份校验配置
type AuthConfig struct {
	JWTSecret    string `mapstructure:"jwt_secret"`
	Issuer       string `mapstructure:"issuer"`
	TenantHeader string `mapstructure:"tenant_header"`
	TenantQuery  string `mapstructure:"tenant_query"`
}

// Config 应用程序配置结构
type Config struct {
	Registry RegistryConfig `mapstructure:"registry"`
	Health   HealthConfig   `mapstructure:"health"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`

	Balancer struct {
		DefaultStrategy string `mapstructure:"default_strategy"`
	} `mapstructure:"balancer"`

	Services []ServiceConfig `mapstructure:"services"`
	Auth     AuthConfig      `mapstructure:"auth"`

	Proxy struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"proxy"`

	// API服务配置
	API struct {
		Gateway      ListenConfig `mapstructure:"gateway"`
		Registration ListenConfig `mapstructure:"registration"`
		Management   ListenConfig `mapstructure:"management"`
	} `mapstructure:"api"`

	// DNS视图配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Domain        string `mapstructure:"domain"`
		TTL           uint32 `mapstructure:"ttl"`
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.tenant-gateway")
		v.AddConfigPath("/etc/tenant-gateway")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到默认配置文件时使用默认值；显式指定的文件读取失败则返回错误
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("TENANT_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// Validate 校验配置的合法性
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case BackendMemory, BackendEtcd, BackendRedis:
	default:
		return fmt.Errorf("未知的注册中心后端: %q", c.Registry.Backend)
	}
	if c.Registry.Backend == BackendEtcd && len(c.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd后端需要至少一个endpoint")
	}
	if c.Registry.OpTimeout <= 0 {
		return fmt.Errorf("registry.op_timeout必须大于0")
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		return fmt.Errorf("health.interval和health.timeout必须大于0")
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("breaker.failure_threshold和breaker.open_timeout必须大于0")
	}
	if c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout必须大于0")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret不能为空")
	}

	seen := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("services中存在空的服务名称")
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("服务名称重复: %s", svc.Name)
		}
		seen[svc.Name] = struct{}{}
	}
	return nil
}

// ServiceNames 返回配置的逻辑服务名称
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	return names
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 注册中心
	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.op_timeout", 2*time.Second)
	v.SetDefault("registry.instance_ttl", time.Duration(0))
	v.SetDefault("registry.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("registry.etcd.username", "")
	v.SetDefault("registry.etcd.password", "")
	v.SetDefault("registry.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("registry.etcd.prefix", "/tenant-gateway/services/")
	v.SetDefault("registry.redis.addr", "localhost:6379")
	v.SetDefault("registry.redis.password", "")
	v.SetDefault("registry.redis.db", 0)
	v.SetDefault("registry.redis.prefix", "tenant-gateway")

	// 健康探测
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("health.path", "/health")
	v.SetDefault("health.max_concurrency", 64)

	// 熔断器
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout", 60*time.Second)

	v.SetDefault("balancer.default_strategy", "round-robin")

	v.SetDefault("services", []map[string]interface{}{
		{"name": "tenant-service", "strategy": "round-robin"},
		{"name": "auth-service", "strategy": "round-robin"},
		{"name": "crm-service", "strategy": "least-connections"},
	})

	// 身份校验
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.tenant_header", "X-Tenant-ID")
	v.SetDefault("auth.tenant_query", "tenantId")

	v.SetDefault("proxy.timeout", 30*time.Second)

	// API服务
	v.SetDefault("api.gateway.listen_address", "0.0.0.0")
	v.SetDefault("api.gateway.port", 8080)
	v.SetDefault("api.registration.listen_address", "0.0.0.0")
	v.SetDefault("api.registration.port", 8081)
	v.SetDefault("api.management.listen_address", "0.0.0.0")
	v.SetDefault("api.management.port", 8082)

	// DNS视图
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8053)
	v.SetDefault("dns.domain", "svc.gateway.local")
	v.SetDefault("dns.ttl", 30)

	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("registry.backend", "TENANT_GATEWAY_REGISTRY_BACKEND")
	v.BindEnv("registry.etcd.endpoints", "TENANT_GATEWAY_ETCD_ENDPOINTS")
	v.BindEnv("registry.redis.addr", "TENANT_GATEWAY_REDIS_ADDR")
	v.BindEnv("auth.jwt_secret", "TENANT_GATEWAY_JWT_SECRET")
	v.BindEnv("api.gateway.port", "TENANT_GATEWAY_PORT")
}
