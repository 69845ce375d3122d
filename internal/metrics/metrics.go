package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 探测与转发结果标签
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Metrics 网关核心组件导出的prometheus指标
type Metrics struct {
	// BreakerState 熔断器状态: 0 - closed; 1 - open; 2 - half-open
	BreakerState *prometheus.GaugeVec
	// Probes 健康探测次数，按服务与结果区分
	Probes *prometheus.CounterVec
	// ProxyRequests 转发请求次数，按服务与结果区分
	ProxyRequests *prometheus.CounterVec
}

// New 创建指标并注册到reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tenant_gateway",
				Subsystem: "breaker",
				Name:      "state",
				Help:      "State of the circuit breaker: 0 - closed; 1 - open; 2 - half-open",
			},
			[]string{"service"}),
		Probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tenant_gateway",
				Subsystem: "health",
				Name:      "probes_total",
				Help:      "Liveness probes issued to registered instances",
			},
			[]string{"service", "outcome"}),
		ProxyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tenant_gateway",
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Requests routed to backend instances",
			},
			[]string{"service", "outcome"}),
	}

	reg.MustRegister(m.BreakerState, m.Probes, m.ProxyRequests)
	return m
}

// NewUnregistered 创建不注册到任何Registerer的指标，测试中使用
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
