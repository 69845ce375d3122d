package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/internal/metrics"
	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// Prober 周期性地探测所有已注册实例并把结果写回注册表
type Prober struct {
	store          storage.RegistryStore
	client         *http.Client
	interval       time.Duration
	timeout        time.Duration
	path           string
	maxConcurrency int
	instanceTTL    time.Duration

	logger  config.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	inflight sync.Map // 实例键 -> struct{}，上一轮仍未结束的探测

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option 配置Prober
type Option func(*Prober)

// WithHTTPClient 替换探测使用的HTTP客户端
func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		p.client = client
	}
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(p *Prober) {
		p.now = now
	}
}

// WithMetrics 导出探测结果指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Prober) {
		p.metrics = m
	}
}

// WithInstanceTTL 实例超过ttl没有成功探测时自动注销，0表示不注销
func WithInstanceTTL(ttl time.Duration) Option {
	return func(p *Prober) {
		p.instanceTTL = ttl
	}
}

// NewProber 创建健康探测器
func NewProber(store storage.RegistryStore, cfg config.HealthConfig, logger config.Logger, opts ...Option) *Prober {
	p := &Prober{
		store:          store,
		client:         &http.Client{},
		interval:       cfg.Interval,
		timeout:        cfg.Timeout,
		path:           cfg.Path,
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger,
		now:            time.Now,
	}
	if p.interval <= 0 {
		p.interval = 30 * time.Second
	}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	if p.path == "" {
		p.path = "/health"
	}
	if !strings.HasPrefix(p.path, "/") {
		p.path = "/" + p.path
	}
	if p.maxConcurrency <= 0 {
		p.maxConcurrency = 64
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 启动探测循环，立即执行一轮，之后每个interval执行一轮
func (p *Prober) Start(ctx context.Context) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logger.Info("健康探测已启动",
			zap.Duration("interval", p.interval),
			zap.Duration("timeout", p.timeout))

		p.spawnCycle(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.spawnCycle(ctx)
			}
		}
	}()
}

// Stop 停止探测循环，取消在途探测并等待其结束
func (p *Prober) Stop() {
	p.mutex.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("健康探测已停止")
}

// spawnCycle 每一轮在独立的goroutine中执行，挂起的探测不会推迟下一轮
func (p *Prober) spawnCycle(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.RunCycle(ctx)
	}()
}

// RunCycle 对所有已注册实例执行一轮探测
//
// 同时进行的探测不超过maxConcurrency个。挂起的实例只有占满全部并发名额时
// 才会推迟其余实例，每个名额最多被占用一个探测超时，
// 因此单个实例的延迟不超过 ceil(挂起实例数/maxConcurrency) × timeout。
func (p *Prober) RunCycle(ctx context.Context) {
	dir, err := p.store.Snapshot(ctx)
	if err != nil {
		p.logger.Error("获取服务目录失败", zap.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(p.maxConcurrency)

	for _, instances := range dir {
		for _, inst := range instances {
			if ctx.Err() != nil {
				break
			}
			if p.expired(inst) {
				p.expire(ctx, inst)
				continue
			}
			if _, busy := p.inflight.LoadOrStore(inst.Key(), struct{}{}); busy {
				p.logger.Debug("上一轮探测尚未结束，跳过",
					zap.String("service", inst.Name),
					zap.String("id", inst.ID))
				continue
			}

			inst := inst
			g.Go(func() error {
				defer p.inflight.Delete(inst.Key())
				p.probeAndRecord(ctx, inst)
				return nil
			})
		}
	}
	_ = g.Wait()
}

// probeAndRecord 探测单个实例并写回结果
func (p *Prober) probeAndRecord(ctx context.Context, inst model.ServiceInstance) {
	health := model.HealthStatusUnhealthy
	err := p.probe(ctx, inst)
	if err == nil {
		health = model.HealthStatusHealthy
	}
	if ctx.Err() != nil {
		// 关闭过程中被取消的探测不代表实例不健康
		return
	}

	if p.metrics != nil {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		p.metrics.Probes.WithLabelValues(inst.Name, outcome).Inc()
	}

	if err := p.store.UpdateHealth(ctx, inst.Name, inst.ID, health, p.now()); err != nil {
		if storage.IsNotFound(err) {
			return
		}
		p.logger.Error("更新实例健康状态失败",
			zap.String("service", inst.Name),
			zap.String("id", inst.ID),
			zap.Error(err))
		return
	}

	switch {
	case health == model.HealthStatusUnhealthy && inst.Health != model.HealthStatusUnhealthy:
		p.logger.Warn("实例被标记为不健康",
			zap.String("service", inst.Name),
			zap.String("id", inst.ID),
			zap.Error(err))
	case health == model.HealthStatusHealthy && inst.Health != model.HealthStatusHealthy:
		p.logger.Info("实例恢复健康",
			zap.String("service", inst.Name),
			zap.String("id", inst.ID))
	}
}

// probe 对实例发起一次GET请求，2xx视为健康
func (p *Prober) probe(ctx context.Context, inst model.ServiceInstance) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(inst.URL, "/")+p.path, nil)
	if err != nil {
		return &ProbeError{Reason: "构造探测请求失败", Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProbeError{Reason: "探测请求失败", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProbeError{Reason: "探测返回非2xx状态", StatusCode: resp.StatusCode}
	}
	return nil
}

// expired 判断实例是否超过ttl没有成功探测
func (p *Prober) expired(inst model.ServiceInstance) bool {
	if p.instanceTTL <= 0 {
		return false
	}
	last := inst.LastHealthyAt
	if last.IsZero() {
		last = inst.RegisteredAt
	}
	return p.now().Sub(last) > p.instanceTTL
}

func (p *Prober) expire(ctx context.Context, inst model.ServiceInstance) {
	if err := p.store.Deregister(ctx, inst.Name, inst.ID); err != nil {
		p.logger.Error("注销过期实例失败",
			zap.String("service", inst.Name),
			zap.String("id", inst.ID),
			zap.Error(err))
		return
	}
	p.logger.Info("注销过期实例",
		zap.String("service", inst.Name),
		zap.String("id", inst.ID),
		zap.Time("last_healthy_at", inst.LastHealthyAt),
		zap.Duration("ttl", p.instanceTTL))
}
