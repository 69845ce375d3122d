package dns

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/tenant-gateway/internal/config"
	"github.com/hewenyu/tenant-gateway/pkg/model"
	"github.com/hewenyu/tenant-gateway/pkg/storage"
)

// defaultLookupTimeout 单次查询读取注册表的超时时间
const defaultLookupTimeout = 2 * time.Second

// Handler DNS请求处理器，只读地暴露健康实例
type Handler struct {
	store   storage.RegistryStore
	domain  string // 小写且以点结尾
	ttl     uint32
	timeout time.Duration
	cache   *answerCache
	logger  config.Logger
}

// NewHandler 创建DNS请求处理器
func NewHandler(store storage.RegistryStore, domain string, ttl uint32, logger config.Logger) *Handler {
	return newHandler(store, domain, ttl, logger, time.Now)
}

func newHandler(store storage.RegistryStore, domain string, ttl uint32, logger config.Logger, now func() time.Time) *Handler {
	return &Handler{
		store:   store,
		domain:  strings.ToLower(dns.Fqdn(domain)),
		ttl:     ttl,
		timeout: defaultLookupTimeout,
		cache:   newAnswerCache(time.Duration(ttl)*time.Second, now),
		logger:  logger,
	}
}

// ServeDNS 处理DNS请求
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	// 只处理标准查询
	if r.Opcode != dns.OpcodeQuery {
		m.Rcode = dns.RcodeNotImplemented
		h.write(w, m)
		return
	}
	if len(r.Question) == 0 {
		m.Rcode = dns.RcodeFormatError
		h.write(w, m)
		return
	}

	q := r.Question[0]
	if cached := h.cache.get(q); cached != nil {
		cached.Id = r.Id
		h.write(w, cached)
		return
	}

	parsed, ok := parseName(q.Name, h.domain)
	if !ok {
		m.Rcode = dns.RcodeNameError
		h.write(w, m)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	instances, err := h.store.ListHealthy(ctx, parsed.service)
	if err != nil {
		h.logger.Warn("读取健康实例失败", zap.String("service", parsed.service), zap.Error(err))
		m.Rcode = dns.RcodeServerFailure
		h.write(w, m)
		return
	}

	m.Authoritative = true
	m.Answer, m.Extra = buildRecords(q.Name, q.Qtype, parsed, instances, h.domain, h.ttl)
	// 没有健康实例的名字视为不存在，存在但无匹配类型时返回空应答
	if len(instances) == 0 || (parsed.instance != "" && !hasInstance(instances, parsed.instance)) {
		m.Rcode = dns.RcodeNameError
	}

	h.cache.set(q, m)
	h.write(w, m)
}

func (h *Handler) write(w dns.ResponseWriter, m *dns.Msg) {
	if err := w.WriteMsg(m); err != nil {
		h.logger.Debug("写入DNS响应失败", zap.Error(err))
	}
}

func hasInstance(instances []model.ServiceInstance, id string) bool {
	for _, inst := range instances {
		if strings.EqualFold(inst.ID, id) {
			return true
		}
	}
	return false
}
