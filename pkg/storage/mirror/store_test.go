package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
	"github.com/hewenyu/tenant-gateway/pkg/storage/memory"
)

// MockLogger 实现config.Logger接口，记录告警次数
type MockLogger struct {
	warns atomic.Int32
	infos atomic.Int32
}

func (l *MockLogger) Debug(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Info(msg string, fields ...zapcore.Field)  { l.infos.Add(1) }
func (l *MockLogger) Warn(msg string, fields ...zapcore.Field)  { l.warns.Add(1) }
func (l *MockLogger) Error(msg string, fields ...zapcore.Field) {}
func (l *MockLogger) Fatal(msg string, fields ...zapcore.Field) {}

// flakyStore 包装内存存储，可切换为失败或挂起
type flakyStore struct {
	*memory.MemoryStorage
	mu    sync.Mutex
	fail  bool
	hang  bool
	calls atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStorage: memory.NewMemoryStorage()}
}

func (f *flakyStore) set(fail, hang bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail, f.hang = fail, hang
}

func (f *flakyStore) check(ctx context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	fail, hang := f.fail, f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return storage.NewInternalError("连接被拒绝")
	}
	return nil
}

func (f *flakyStore) Register(ctx context.Context, inst model.ServiceInstance) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return f.MemoryStorage.Register(ctx, inst)
}

func (f *flakyStore) List(ctx context.Context, name string) ([]model.ServiceInstance, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	return f.MemoryStorage.List(ctx, name)
}

func (f *flakyStore) UpdateHealth(ctx context.Context, name, id string, h model.HealthStatus, at time.Time) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return f.MemoryStorage.UpdateHealth(ctx, name, id, h, at)
}

func (f *flakyStore) Snapshot(ctx context.Context) (model.ServiceDirectory, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	return f.MemoryStorage.Snapshot(ctx)
}

func instance(id string) model.ServiceInstance {
	return model.ServiceInstance{ID: id, Name: "tenant-service", URL: "http://" + id}
}

func TestStore_ImplementsRegistryStore(t *testing.T) {
	var _ storage.RegistryStore = (*Store)(nil)
}

func TestStore_ReadsThroughDurable(t *testing.T) {
	durable := newFlakyStore()
	s := NewStore(durable, time.Second, &MockLogger{})
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, instance("a")))
	require.NoError(t, s.UpdateHealth(ctx, "tenant-service", "a", model.HealthStatusHealthy, time.Now()))

	// 直接写入外部存储的实例在下一次读取时同步到镜像
	require.NoError(t, durable.MemoryStorage.Register(ctx, instance("b")))

	instances, err := s.List(ctx, "tenant-service")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	mirrored, err := s.mirror.List(ctx, "tenant-service")
	require.NoError(t, err)
	assert.Len(t, mirrored, 2)
	assert.False(t, s.Degraded())
}

func TestStore_FallsBackToMirror(t *testing.T) {
	durable := newFlakyStore()
	logger := &MockLogger{}
	s := NewStore(durable, time.Second, logger)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, instance("a")))
	require.NoError(t, s.UpdateHealth(ctx, "tenant-service", "a", model.HealthStatusHealthy, time.Now()))

	durable.set(true, false)

	healthy, err := s.ListHealthy(ctx, "tenant-service")
	require.NoError(t, err, "外部存储不可用时不应向调用方报错")
	require.Len(t, healthy, 1)
	assert.Equal(t, "a", healthy[0].ID)
	assert.True(t, s.Degraded())

	// 降级期间的写入仍然落到镜像
	require.NoError(t, s.Register(ctx, instance("b")))
	all, err := s.List(ctx, "tenant-service")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	dir, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, dir["tenant-service"], 2)

	assert.Equal(t, int32(1), logger.warns.Load(), "降级日志应被限流")

	durable.set(false, false)
	_, err = s.List(ctx, "tenant-service")
	require.NoError(t, err)
	assert.False(t, s.Degraded())
	assert.Equal(t, int32(1), logger.infos.Load())
}

func TestStore_BoundedTimeout(t *testing.T) {
	durable := newFlakyStore()
	s := NewStore(durable, 50*time.Millisecond, &MockLogger{})
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, instance("a")))
	durable.set(false, true)

	start := time.Now()
	instances, err := s.List(ctx, "tenant-service")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
	assert.Less(t, time.Since(start), time.Second, "挂起的外部存储不应阻塞调用方")
}

func TestStore_InvalidArgument(t *testing.T) {
	durable := newFlakyStore()
	s := NewStore(durable, time.Second, &MockLogger{})

	err := s.Register(context.Background(), model.ServiceInstance{})
	require.Error(t, err)
	var se *storage.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, storage.ErrInvalidArgument, se.Code)
	assert.Equal(t, int32(0), durable.calls.Load(), "参数无效时不访问外部存储")
}

func TestStore_UpdateHealthRemovedInstance(t *testing.T) {
	durable := newFlakyStore()
	s := NewStore(durable, time.Second, &MockLogger{})
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, instance("a")))
	require.NoError(t, durable.MemoryStorage.Deregister(ctx, "tenant-service", "a"))

	err := s.UpdateHealth(ctx, "tenant-service", "a", model.HealthStatusHealthy, time.Now())
	assert.True(t, storage.IsNotFound(err))

	mirrored, err := s.mirror.List(ctx, "tenant-service")
	require.NoError(t, err)
	assert.Empty(t, mirrored)
}

func TestStore_SnapshotPrunesRemovedServices(t *testing.T) {
	durable := newFlakyStore()
	s := NewStore(durable, time.Second, &MockLogger{})
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, instance("a")))
	require.NoError(t, s.Register(ctx, instance("b")))

	// 仅写入镜像的服务，外部存储从未见过
	durable.set(true, false)
	require.NoError(t, s.Register(ctx, model.ServiceInstance{ID: "c", Name: "crm-service", URL: "http://c"}))
	durable.set(false, false)

	// 绕过镜像直接在外部存储中注销
	require.NoError(t, durable.MemoryStorage.Deregister(ctx, "tenant-service", "b"))

	dir, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, dir["tenant-service"], 1)
	assert.Empty(t, dir["crm-service"])

	// 外部存储再次不可用时，镜像不应返回已移除的实例
	durable.set(true, false)
	fallback, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, fallback["tenant-service"], 1)
	assert.Equal(t, "a", fallback["tenant-service"][0].ID)
	assert.Empty(t, fallback["crm-service"])
}
