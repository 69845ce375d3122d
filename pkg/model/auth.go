package model

import (
	"encoding/json"
	"fmt"
)

// Role 调用方角色
type Role string

const (
	RoleSuperAdmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RoleUser       Role = "user"
)

// Valid 判断角色是否合法
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// TenantAccessAll 表示可访问全部租户的哨兵值
const TenantAccessAll = "all"

// TenantAccess 租户访问范围：全部租户，或者显式的租户列表
type TenantAccess struct {
	All     bool
	Tenants []string
}

// AllTenants 返回可访问全部租户的范围
func AllTenants() TenantAccess {
	return TenantAccess{All: true}
}

// Tenants 返回显式租户列表的范围
func Tenants(ids ...string) TenantAccess {
	return TenantAccess{Tenants: ids}
}

// Allows 判断是否允许访问指定租户
func (a TenantAccess) Allows(tenantID string) bool {
	if a.All {
		return true
	}
	for _, id := range a.Tenants {
		if id == tenantID {
			return true
		}
	}
	return false
}

// MarshalJSON 全部租户编码为"all"，否则编码为字符串数组
func (a TenantAccess) MarshalJSON() ([]byte, error) {
	if a.All {
		return json.Marshal(TenantAccessAll)
	}
	if a.Tenants == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a.Tenants)
}

// UnmarshalJSON 接受"all"或字符串数组
func (a *TenantAccess) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != TenantAccessAll {
			return fmt.Errorf("无效的租户访问范围: %q", s)
		}
		*a = AllTenants()
		return nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("无效的租户访问范围: %w", err)
	}
	*a = Tenants(ids...)
	return nil
}

// AuthContext 由已校验的凭证推导出的调用方身份
type AuthContext struct {
	ID           string       `json:"id"`
	Email        string       `json:"email"`
	Role         Role         `json:"role"`
	TenantAccess TenantAccess `json:"tenantAccess"`
}

// RequestTenantContext 单个请求解析出的租户范围，超级管理员可以为空
type RequestTenantContext struct {
	TenantID string `json:"tenantId"`
}
