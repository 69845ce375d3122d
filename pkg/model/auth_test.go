package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantAccessJSON(t *testing.T) {
	var all TenantAccess
	require.NoError(t, json.Unmarshal([]byte(`"all"`), &all))
	assert.True(t, all.All)
	assert.True(t, all.Allows("anything"))

	var list TenantAccess
	require.NoError(t, json.Unmarshal([]byte(`["t1","t2"]`), &list))
	assert.False(t, list.All)
	assert.True(t, list.Allows("t2"))
	assert.False(t, list.Allows("t3"))

	var bad TenantAccess
	assert.Error(t, json.Unmarshal([]byte(`"some"`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))

	data, err := json.Marshal(AllTenants())
	require.NoError(t, err)
	assert.JSONEq(t, `"all"`, string(data))

	data, err = json.Marshal(Tenants("t1"))
	require.NoError(t, err)
	assert.JSONEq(t, `["t1"]`, string(data))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleSuperAdmin.Valid())
	assert.True(t, RoleUser.Valid())
	assert.False(t, Role("root").Valid())
}

func TestMergeRegistrationKeepsHealth(t *testing.T) {
	existing := ServiceInstance{
		ID:       "a",
		Name:     "tenant-service",
		URL:      "http://10.0.0.1:8080",
		Health:   HealthStatusHealthy,
		Metadata: map[string]string{"version": "1"},
	}
	incoming := ServiceInstance{
		ID:       "a",
		Name:     "tenant-service",
		URL:      "http://10.0.0.2:8080",
		Health:   HealthStatusUnknown,
		Metadata: map[string]string{"version": "2"},
	}

	merged := existing.MergeRegistration(incoming)
	assert.Equal(t, "http://10.0.0.2:8080", merged.URL)
	assert.Equal(t, "2", merged.Metadata["version"])
	assert.Equal(t, HealthStatusHealthy, merged.Health, "重复注册不应改变健康状态")
	assert.Equal(t, "1", existing.Metadata["version"], "原实例不应被修改")
}

func TestServiceDirectoryHealthyCount(t *testing.T) {
	d := ServiceDirectory{
		"svc": {
			{ID: "a", Health: HealthStatusHealthy},
			{ID: "b", Health: HealthStatusUnhealthy},
			{ID: "c", Health: HealthStatusHealthy},
		},
	}
	assert.Equal(t, 2, d.HealthyCount("svc"))
	assert.Equal(t, 0, d.HealthyCount("missing"))
}
