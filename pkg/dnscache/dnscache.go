// Package dnscache caches upstream answers for the tunnel's forward path.
package dnscache

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultTTL        = 60 * time.Second
	defaultMaxEntries = 10000
)

type CacheEntry struct {
	Msg       *dns.Msg
	ExpiresAt time.Time
}

// DNSCache maps a question to the last upstream answer for it.
type DNSCache struct {
	mu         sync.RWMutex
	cache      map[string]CacheEntry
	maxEntries int
	log        *slog.Logger
	now        func() time.Time
}

// New creates a cache holding at most maxEntries answers (default 10000).
func New(maxEntries int, log *slog.Logger) *DNSCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if log == nil {
		log = slog.Default()
	}
	return &DNSCache{
		cache:      make(map[string]CacheEntry),
		maxEntries: maxEntries,
		log:        log,
		now:        time.Now,
	}
}

// Key identifies the first question of a message.
func Key(q dns.Question) string {
	return strings.ToLower(q.Name) + "|" + strconv.Itoa(int(q.Qtype)) + "|" + strconv.Itoa(int(q.Qclass))
}

// Get returns a copy of the cached answer to req, carrying req's ID.
func (c *DNSCache) Get(req *dns.Msg) (*dns.Msg, bool) {
	if len(req.Question) == 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, found := c.cache[Key(req.Question[0])]
	c.mu.RUnlock()
	if !found {
		return nil, false
	}
	if c.now().After(entry.ExpiresAt) {
		c.log.Debug("cache expired", "name", req.Question[0].Name)
		return nil, false
	}
	reply := entry.Msg.Copy()
	reply.Id = req.Id
	return reply, true
}

// Set stores resp for its question. Only NOERROR and NXDOMAIN answers are
// cached; the lifetime is the smallest TTL in the answer.
func (c *DNSCache) Set(resp *dns.Msg) {
	if resp == nil || len(resp.Question) == 0 || resp.Truncated {
		return
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return
	}
	ttl := ttlOf(resp)
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache) >= c.maxEntries {
		c.evictLocked()
	}
	c.cache[Key(resp.Question[0])] = CacheEntry{Msg: resp.Copy(), ExpiresAt: c.now().Add(ttl)}
}

func ttlOf(msg *dns.Msg) time.Duration {
	if len(msg.Answer) == 0 {
		for _, rr := range msg.Ns {
			if soa, ok := rr.(*dns.SOA); ok {
				return time.Duration(min(soa.Minttl, soa.Hdr.Ttl)) * time.Second
			}
		}
		return defaultTTL
	}
	ttl := msg.Answer[0].Header().Ttl
	for _, rr := range msg.Answer[1:] {
		ttl = min(ttl, rr.Header().Ttl)
	}
	return time.Duration(ttl) * time.Second
}

// evictLocked drops expired entries, or everything when none expired.
func (c *DNSCache) evictLocked() {
	now := c.now()
	for k, e := range c.cache {
		if now.After(e.ExpiresAt) {
			delete(c.cache, k)
		}
	}
	if len(c.cache) >= c.maxEntries {
		c.cache = make(map[string]CacheEntry)
	}
}

// Len returns the number of stored answers, expired or not.
func (c *DNSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *DNSCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]CacheEntry)
	c.log.Info("cache cleared")
}
