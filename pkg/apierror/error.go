// Package apierror 定义对外可见的错误分类以及统一的JSON错误信封。
package apierror

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Code 对外错误码
type Code string

const (
	CodeUnauthorized       Code = "Unauthorized"
	CodeForbidden          Code = "Forbidden"
	CodeBadRequest         Code = "BadRequest"
	CodeServiceUnavailable Code = "ServiceUnavailable"
	CodeNotFound           Code = "NotFound"
	CodeInternal           Code = "InternalError"
)

// Error 是可以安全返回给调用方的错误
type Error struct {
	Code    Code
	Status  int
	Message string
}

// Error 实现error接口
func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is 按错误码比较，便于errors.Is判断
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Unauthorized 凭证缺失或无效
func Unauthorized(message string) *Error {
	return &Error{Code: CodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

// Forbidden 无权访问
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Status: http.StatusForbidden, Message: message}
}

// BadRequest 请求格式错误
func BadRequest(message string) *Error {
	return &Error{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: message}
}

// ServiceUnavailable 服务暂不可用，调用方可稍后重试
func ServiceUnavailable(message string) *Error {
	return &Error{Code: CodeServiceUnavailable, Status: http.StatusServiceUnavailable, Message: message}
}

// NotFound 资源不存在
func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: message}
}

// Internal 内部错误，消息固定，不泄露细节
func Internal() *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "服务内部错误"}
}

// Envelope 统一的错误响应结构
type Envelope struct {
	Success   bool   `json:"success"`
	Error     Code   `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewEnvelope 生成错误信封
func NewEnvelope(e *Error, now time.Time) Envelope {
	return Envelope{
		Success:   false,
		Error:     e.Code,
		Message:   e.Message,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// From 将任意错误转换为对外错误，未识别的错误一律视为内部错误
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Code {
		case http.StatusUnauthorized:
			return Unauthorized("未授权")
		case http.StatusForbidden:
			return Forbidden("禁止访问")
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			return NotFound("资源不存在")
		case http.StatusServiceUnavailable:
			return ServiceUnavailable("服务暂不可用，请稍后重试")
		}
		if httpErr.Code >= 400 && httpErr.Code < 500 {
			return BadRequest("请求无效")
		}
	}

	return Internal()
}

// Write 将错误以统一信封写入响应
func Write(c echo.Context, err error) error {
	apiErr := From(err)
	return c.JSON(apiErr.Status, NewEnvelope(apiErr, time.Now()))
}
