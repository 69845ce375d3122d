package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hewenyu/tenant-gateway/pkg/apierror"
	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// InstanceRequest 实例注册请求
type InstanceRequest struct {
	ID       string            `json:"id"`
	Name     string            `json:"name" validate:"required"`
	URL      string            `json:"url" validate:"required,url"`
	Metadata map[string]string `json:"metadata"`
}

// Response 成功响应
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ServiceHandler 处理实例注册相关API
type ServiceHandler struct {
	store storage.RegistryStore
}

// NewServiceHandler 创建服务处理器
func NewServiceHandler(store storage.RegistryStore) *ServiceHandler {
	return &ServiceHandler{
		store: store,
	}
}

// RegisterInstance 注册或更新实例，未指定ID时自动生成
func (h *ServiceHandler) RegisterInstance(c echo.Context) error {
	var req InstanceRequest
	if err := c.Bind(&req); err != nil {
		return apierror.BadRequest("请求参数无效")
	}

	if err := c.Validate(&req); err != nil {
		return apierror.BadRequest("参数验证失败: " + err.Error())
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	instance := model.ServiceInstance{
		ID:       req.ID,
		Name:     req.Name,
		URL:      req.URL,
		Metadata: req.Metadata,
	}
	if err := h.store.Register(c.Request().Context(), instance); err != nil {
		return storageError(err)
	}

	return c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "实例注册成功",
		Data: map[string]string{
			"id":   instance.ID,
			"name": instance.Name,
		},
	})
}

// DeregisterInstance 注销实例，实例不存在时同样返回成功
func (h *ServiceHandler) DeregisterInstance(c echo.Context) error {
	name := c.Param("name")
	id := c.Param("id")
	if name == "" || id == "" {
		return apierror.BadRequest("服务名称和实例ID不能为空")
	}

	if err := h.store.Deregister(c.Request().Context(), name, id); err != nil {
		return storageError(err)
	}

	return c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "实例注销成功",
	})
}

// ListInstances 查询服务下的全部实例
func (h *ServiceHandler) ListInstances(c echo.Context) error {
	instances, err := h.store.List(c.Request().Context(), c.Param("name"))
	if err != nil {
		return storageError(err)
	}

	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"instances": instances,
		},
	})
}

// storageError 将存储层错误转换为对外错误
func storageError(err error) error {
	if se, ok := err.(*storage.StorageError); ok {
		switch se.Code {
		case storage.ErrInvalidArgument:
			return apierror.BadRequest(se.Error())
		case storage.ErrNotFound:
			return apierror.NotFound(se.Error())
		}
	}
	return err
}
