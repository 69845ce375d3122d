package apierror

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Logger 错误处理函数需要的日志方法，*zap.Logger可直接使用
type Logger interface {
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// NewHTTPErrorHandler 返回echo的全局错误处理函数，所有错误都以统一信封输出
func NewHTTPErrorHandler(logger Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		apiErr := From(err)
		if apiErr.Code == CodeInternal {
			logger.Error("请求处理出现内部错误",
				zap.String("path", c.Request().URL.Path),
				zap.Error(err))
		}

		if werr := Write(c, apiErr); werr != nil {
			logger.Warn("写入错误响应失败", zap.Error(werr))
		}
	}
}
