package etcd

import (
	"context"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/tenant-gateway/internal/config"
)

// Client 封装etcd客户端
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient 创建新的etcd客户端并检查连通性
func NewClient(cfg config.EtcdConfig) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints不能为空")
	}
	if cfg.DialTimeout <= 0 {
		return nil, fmt.Errorf("etcd连接超时时间必须大于0")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("连接etcd失败: %w", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd连接测试失败: %w", err)
	}

	return &Client{
		client: client,
		prefix: normalizePrefix(cfg.Prefix),
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient 获取原始etcd客户端
func (c *Client) GetClient() *clientv3.Client {
	return c.client
}

// GetInstanceKey 获取实例的完整存储键
func (c *Client) GetInstanceKey(name, id string) string {
	return c.prefix + name + "/" + id
}

// GetServicePrefix 获取单个服务下实例的键前缀
func (c *Client) GetServicePrefix(name string) string {
	return c.prefix + name + "/"
}

// GetServicesPrefix 获取全部服务的键前缀
func (c *Client) GetServicesPrefix() string {
	return c.prefix
}

// parseInstanceKey 从键中解析服务名称与实例ID
// 格式: {prefix}{服务名}/{实例ID}
func (c *Client) parseInstanceKey(key string) (name, id string, ok bool) {
	rest := strings.TrimPrefix(key, c.prefix)
	if rest == key {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		prefix = "/tenant-gateway/services/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
