package handler

import (
	"github.com/go-playground/validator/v10"
)

// CustomValidator 将validator接入echo的参数校验
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator 创建echo使用的校验器
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate 校验结构体的validate标签
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}
