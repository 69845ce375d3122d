package balancer

import "strings"

// Strategy 负载均衡策略
type Strategy int

const (
	// RoundRobin 按服务维护游标轮询
	RoundRobin Strategy = iota
	// Random 均匀随机
	Random
	// LeastConnections 选择在途请求最少的实例
	LeastConnections
)

// String 返回策略名称
func (s Strategy) String() string {
	switch s {
	case Random:
		return "random"
	case LeastConnections:
		return "least-connections"
	default:
		return "round-robin"
	}
}

// ParseStrategy 解析策略名称，未知名称回退为轮询
func ParseStrategy(name string) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "random":
		return Random
	case "least-connections", "least_connections", "leastconn":
		return LeastConnections
	default:
		return RoundRobin
	}
}
