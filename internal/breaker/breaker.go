package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/internal/metrics"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常放行
	StateClosed State = iota
	// StateOpen 拒绝所有请求
	StateOpen
	// StateHalfOpen 只放行一个探测请求
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText 以名称形式序列化状态
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status 熔断器的只读快照
type Status struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// circuit 单个服务的熔断器
type circuit struct {
	mutex           sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	probeGrantedAt  time.Time // 半开状态下放行探测请求的时间，零值表示未放行
}

// Registry 按服务名称惰性创建并管理熔断器
type Registry struct {
	failureThreshold int
	openTimeout      time.Duration

	circuits sync.Map // 服务名称 -> *circuit
	now      func() time.Time
	logger   config.Logger
	metrics  *metrics.Metrics
}

// Option 配置Registry
type Option func(*Registry)

// WithClock 替换时间源，测试中使用
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithMetrics 导出熔断器状态指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry 创建熔断器注册表
func NewRegistry(cfg config.BreakerConfig, logger config.Logger, opts ...Option) *Registry {
	r := &Registry{
		failureThreshold: cfg.FailureThreshold,
		openTimeout:      cfg.OpenTimeout,
		now:              time.Now,
		logger:           logger,
	}
	if r.failureThreshold <= 0 {
		r.failureThreshold = 5
	}
	if r.openTimeout <= 0 {
		r.openTimeout = 60 * time.Second
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) circuit(name string) *circuit {
	if c, ok := r.circuits.Load(name); ok {
		return c.(*circuit)
	}
	c, _ := r.circuits.LoadOrStore(name, &circuit{})
	return c.(*circuit)
}

// IsOpen 判断是否应拒绝发往该服务的请求
//
// 打开状态超过openTimeout后在本次调用中转为半开，并放行当前调用者作为探测请求。
// 半开状态下探测请求未回报结果时，其余调用者被拒绝；探测超过openTimeout仍未回报则重新放行。
func (r *Registry) IsOpen(name string) bool {
	c := r.circuit(name)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := r.now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.lastFailureTime) < r.openTimeout {
			return true
		}
		r.transition(name, c, StateHalfOpen)
		c.probeGrantedAt = now
		return false
	case StateHalfOpen:
		if !c.probeGrantedAt.IsZero() && now.Sub(c.probeGrantedAt) < r.openTimeout {
			return true
		}
		c.probeGrantedAt = now
		return false
	default:
		return false
	}
}

// RecordSuccess 记录一次成功，重置失败计数并关闭熔断器
func (r *Registry) RecordSuccess(name string) {
	c := r.circuit(name)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.failureCount = 0
	c.probeGrantedAt = time.Time{}
	if c.state != StateClosed {
		r.transition(name, c, StateClosed)
	}
}

// RecordFailure 记录一次失败，达到阈值或半开探测失败时打开熔断器
func (r *Registry) RecordFailure(name string) {
	c := r.circuit(name)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.failureCount++
	c.lastFailureTime = r.now()

	switch c.state {
	case StateHalfOpen:
		c.probeGrantedAt = time.Time{}
		r.transition(name, c, StateOpen)
	case StateClosed:
		if c.failureCount >= r.failureThreshold {
			r.transition(name, c, StateOpen)
		}
	}
}

// Abandon 归还半开状态下已放行但没有到达下游的探测名额
//
// 放行后没有可用实例或调用方主动取消时，请求无法说明下游是否恢复，
// 下一个调用者会重新获得探测名额。非半开状态下不做任何操作。
func (r *Registry) Abandon(name string) {
	v, ok := r.circuits.Load(name)
	if !ok {
		return
	}
	c := v.(*circuit)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state == StateHalfOpen {
		c.probeGrantedAt = time.Time{}
	}
}

// Status 返回熔断器快照，不触发状态转换；从未使用过的服务返回关闭状态
func (r *Registry) Status(name string) Status {
	v, ok := r.circuits.Load(name)
	if !ok {
		return Status{State: StateClosed}
	}
	c := v.(*circuit)
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return Status{
		State:           c.state,
		FailureCount:    c.failureCount,
		LastFailureTime: c.lastFailureTime,
	}
}

// Statuses 返回所有已创建熔断器的快照
func (r *Registry) Statuses() map[string]Status {
	out := make(map[string]Status)
	r.circuits.Range(func(key, _ any) bool {
		name := key.(string)
		out[name] = r.Status(name)
		return true
	})
	return out
}

// transition 切换状态，调用方需持有c.mutex
func (r *Registry) transition(name string, c *circuit, to State) {
	from := c.state
	c.state = to

	if r.metrics != nil {
		r.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	}

	fields := []zap.Field{
		zap.String("service", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("failure_count", c.failureCount),
	}
	if to == StateOpen {
		r.logger.Warn("熔断器打开", fields...)
		return
	}
	r.logger.Info("熔断器状态变化", fields...)
}
