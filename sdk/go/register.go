package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// RegisterRequest 实例注册请求
type RegisterRequest struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse 注册响应数据
type RegisterResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Register 注册实例，重复调用会覆盖url和metadata
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := RegisterRequest{
		ID:       c.instanceID,
		Name:     c.config.ServiceName,
		URL:      c.config.URL,
		Metadata: c.config.Metadata,
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/instances", req)
	if err != nil {
		return fmt.Errorf("实例注册失败: %w", err)
	}

	var registerResp RegisterResponse
	if err := json.Unmarshal(resp.Data, &registerResp); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	// 保存网关分配的ID，后续注册沿用
	c.instanceID = registerResp.ID
	c.isRegistered = true
	return nil
}

// Deregister 注销实例
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRegistered {
		return ErrNotRegistered
	}

	path := fmt.Sprintf("/api/v1/instances/%s/%s",
		url.PathEscape(c.config.ServiceName), url.PathEscape(c.instanceID))
	if _, err := c.doRequest(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("实例注销失败: %w", err)
	}

	c.isRegistered = false
	return nil
}

// Close 注销已注册的实例并释放连接
func (c *Client) Close(ctx context.Context) error {
	defer c.httpClient.CloseIdleConnections()

	if !c.IsRegistered() {
		return nil
	}
	return c.Deregister(ctx)
}

// InstanceID 获取实例ID
func (c *Client) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// IsRegistered 检查实例是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}
