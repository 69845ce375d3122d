package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler 以prometheus格式导出指标
type MetricsHandler struct {
	handler echo.HandlerFunc
}

// NewMetricsHandler 创建指标处理器
func NewMetricsHandler(gatherer prometheus.Gatherer) *MetricsHandler {
	return &MetricsHandler{
		handler: echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})),
	}
}

// GetMetrics 获取指标
func (h *MetricsHandler) GetMetrics(c echo.Context) error {
	return h.handler(c)
}
