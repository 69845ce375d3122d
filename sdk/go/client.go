package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotRegistered 实例尚未注册
var ErrNotRegistered = errors.New("实例尚未注册")

// Config SDK客户端配置
type Config struct {
	// 网关注册API地址，如 localhost:8081 或 http://gateway:8081
	ServerAddr string `json:"server_addr"`
	// 逻辑服务名称
	ServiceName string `json:"service_name"`
	// 实例ID，为空时由网关生成
	InstanceID string `json:"instance_id"`
	// 实例对外地址，网关将请求转发到此地址
	URL string `json:"url"`
	// 元数据
	Metadata map[string]string `json:"metadata"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
}

// Client SDK客户端
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client

	mu           sync.Mutex
	instanceID   string
	isRegistered bool
}

// Response API响应结构，成功与失败共用
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError 网关返回的错误
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s %s (状态码: %d)", e.Code, e.Message, e.StatusCode)
}

// NewClient 创建SDK客户端
func NewClient(config Config) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("实例地址不能为空")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	baseURL := strings.TrimSuffix(config.ServerAddr, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		config:     config,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		instanceID: config.InstanceID,
	}, nil
}

// maxResponseBytes 响应体读取上限
const maxResponseBytes = 1 << 20

// doRequest 发送JSON请求，非200响应转换为APIError
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var payload io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求网关失败: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out)

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: out.Error, Message: out.Message}
		if decodeErr != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("解析响应失败: %w", decodeErr)
	}
	return &out, nil
}
