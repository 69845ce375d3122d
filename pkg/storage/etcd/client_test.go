package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

func TestRegistryStorage_ImplementsRegistryStore(t *testing.T) {
	var _ storage.RegistryStore = (*RegistryStorage)(nil)
}

func TestClient_Keys(t *testing.T) {
	client := &Client{prefix: normalizePrefix("/tenant-gateway/services")}

	assert.Equal(t, "/tenant-gateway/services/", client.GetServicesPrefix())
	assert.Equal(t, "/tenant-gateway/services/tenant-service/", client.GetServicePrefix("tenant-service"))
	assert.Equal(t, "/tenant-gateway/services/tenant-service/a", client.GetInstanceKey("tenant-service", "a"))

	name, id, ok := client.parseInstanceKey("/tenant-gateway/services/tenant-service/a")
	require.True(t, ok)
	assert.Equal(t, "tenant-service", name)
	assert.Equal(t, "a", id)

	_, _, ok = client.parseInstanceKey("/other/tenant-service/a")
	assert.False(t, ok)
	_, _, ok = client.parseInstanceKey("/tenant-gateway/services/tenant-service")
	assert.False(t, ok)
}

func TestNewClient_ConfigValidation(t *testing.T) {
	_, err := NewClient(config.EtcdConfig{DialTimeout: time.Second})
	assert.Error(t, err, "缺少endpoints应返回错误")

	_, err = NewClient(config.EtcdConfig{Endpoints: []string{"localhost:2379"}})
	assert.Error(t, err, "缺少超时时间应返回错误")
}

// 创建连接真实etcd的存储，未设置环境变量时跳过
func newTestStorage(t *testing.T) *RegistryStorage {
	t.Helper()

	endpoints := os.Getenv("TENANT_GATEWAY_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("未设置TENANT_GATEWAY_ETCD_ENDPOINTS，跳过etcd集成测试")
	}

	client, err := NewClient(config.EtcdConfig{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
		Prefix:      "/tenant-gateway-test/" + t.Name() + "/",
	})
	require.NoError(t, err, "连接etcd失败")

	s := NewRegistryStorage(client)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = client.GetClient().Delete(ctx, client.GetServicesPrefix(), clientv3.WithPrefix())
		_ = s.Close()
	})
	return s
}

func TestRegistryStorage_Lifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	inst := model.ServiceInstance{ID: "a", Name: "tenant-service", URL: "http://10.0.0.1:8080"}
	require.NoError(t, s.Register(ctx, inst))

	instances, err := s.List(ctx, "tenant-service")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, model.HealthStatusUnknown, instances[0].Health)

	require.NoError(t, s.UpdateHealth(ctx, "tenant-service", "a", model.HealthStatusHealthy, time.Now()))

	inst.URL = "http://10.0.0.2:8080"
	require.NoError(t, s.Register(ctx, inst))

	healthy, err := s.ListHealthy(ctx, "tenant-service")
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	assert.Equal(t, "http://10.0.0.2:8080", healthy[0].URL)

	dir, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, dir["tenant-service"], 1)

	require.NoError(t, s.Deregister(ctx, "tenant-service", "a"))
	require.NoError(t, s.Deregister(ctx, "tenant-service", "a"))

	err = s.UpdateHealth(ctx, "tenant-service", "a", model.HealthStatusHealthy, time.Now())
	assert.True(t, storage.IsNotFound(err))
}
