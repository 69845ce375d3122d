package dns

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// maxCacheEntries 超过后写入时清理过期条目
const maxCacheEntries = 1024

// answerCache 按问题缓存应答，有效期与记录TTL一致
type answerCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	msg      *dns.Msg
	expireAt time.Time
}

func newAnswerCache(ttl time.Duration, now func() time.Time) *answerCache {
	return &answerCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// get 返回缓存副本，过期或不存在时返回nil
func (c *answerCache) get(q dns.Question) *dns.Msg {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(q)]
	c.mu.RUnlock()

	if !ok || !c.now().Before(entry.expireAt) {
		return nil
	}
	return entry.msg.Copy()
}

func (c *answerCache) set(q dns.Question, msg *dns.Msg) {
	if c.ttl <= 0 || msg == nil {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= maxCacheEntries {
		for key, entry := range c.entries {
			if !now.Before(entry.expireAt) {
				delete(c.entries, key)
			}
		}
	}
	c.entries[cacheKey(q)] = cacheEntry{msg: msg.Copy(), expireAt: now.Add(c.ttl)}
}

func cacheKey(q dns.Question) string {
	return dns.CanonicalName(q.Name) + "-" + dns.TypeToString[q.Qtype]
}
