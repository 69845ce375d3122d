package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hewenyu/tenant-gateway/internal/config"
)

// 默认键前缀
const defaultPrefix = "tenant-gateway"

// NewUniversalClient 根据配置创建redis客户端，并确认连接可用
func NewUniversalClient(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis地址不能为空")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       strings.Split(cfg.Addr, ","),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接redis失败: %w", err)
	}
	return client, nil
}

// keyspace 负责生成注册表使用的redis键
//
//	<prefix>:names           服务名称集合
//	<prefix>:services:<name> 服务实例哈希，field为实例ID，value为JSON
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) names() string {
	return k.prefix + ":names"
}

func (k keyspace) service(name string) string {
	return k.prefix + ":services:" + name
}
