// Package cache keeps recent DNSBL answers so that clients reconnecting
// from the same address do not re-query every zone.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/logging"
	"irc-dnsbl/pkg/telemetry"

	"github.com/miekg/dns"
)

// Cache is a thread-safe DNS answer cache with LRU eviction and TTL support
type Cache struct {
	cfg         *config.CacheConfig
	logger      *logging.Logger
	metrics     *telemetry.Metrics
	entries     map[string]*cacheEntry
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
	now         func() time.Time
	stats       cacheStats
	maxEntries  int
	mu          sync.RWMutex
}

type cacheEntry struct {
	// deep copy, never handed out directly
	msg        *dns.Msg
	expiresAt  time.Time
	lastAccess time.Time
}

type cacheStats struct {
	hits      uint64
	misses    uint64
	evictions uint64
	sets      uint64
}

// Stats is a snapshot of the cache counters
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Entries   int     `json:"entries"`
	Evictions uint64  `json:"evictions"`
	Sets      uint64  `json:"sets"`
	HitRate   float64 `json:"hit_rate"`
}

// New creates a new answer cache with the given configuration
func New(cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("max_entries must be positive, got %d", cfg.MaxEntries)
	}

	c := &Cache{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		entries:     make(map[string]*cacheEntry, cfg.MaxEntries),
		maxEntries:  cfg.MaxEntries,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
		now:         time.Now,
	}

	go c.cleanupLoop()

	logger.Info("DNS answer cache initialized",
		"max_entries", cfg.MaxEntries,
		"min_ttl", cfg.MinTTL,
		"max_ttl", cfg.MaxTTL,
		"negative_ttl", cfg.NegativeTTL)

	return c, nil
}

// Get returns a copy of the cached answer for (name, qtype), or nil
func (c *Cache) Get(ctx context.Context, name string, qtype uint16) *dns.Msg {
	if c == nil || !c.cfg.Enabled {
		return nil
	}

	key := makeKey(name, qtype)
	now := c.now()

	c.mu.Lock()
	entry, found := c.entries[key]
	if found && now.After(entry.expiresAt) {
		delete(c.entries, key)
		c.stats.evictions++
		found = false
	}
	if !found {
		c.stats.misses++
		c.mu.Unlock()
		c.metrics.RecordCacheMiss(ctx)
		return nil
	}
	entry.lastAccess = now
	c.stats.hits++
	msg := entry.msg.Copy()
	c.mu.Unlock()

	c.metrics.RecordCacheHit(ctx)
	return msg
}

// Set stores resp under its question. Only NOERROR and NXDOMAIN answers
// are cached; server failures are always retried.
func (c *Cache) Set(ctx context.Context, resp *dns.Msg) {
	if c == nil || !c.cfg.Enabled || resp == nil || len(resp.Question) == 0 {
		return
	}
	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return
	}

	question := resp.Question[0]
	ttl := c.determineTTL(resp)
	if ttl <= 0 {
		return
	}

	now := c.now()
	entry := &cacheEntry{
		msg:        resp.Copy(),
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}

	key := makeKey(question.Name, question.Qtype)

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	c.entries[key] = entry
	c.stats.sets++
	c.mu.Unlock()

	c.logger.Debug("Cached DNS answer",
		"name", question.Name,
		"qtype", dns.TypeToString[question.Qtype],
		"rcode", dns.RcodeToString[resp.Rcode],
		"ttl", ttl)
}

func makeKey(name string, qtype uint16) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(dns.Fqdn(name)), qtype)
}

// determineTTL extracts the TTL from resp and applies the configured limits.
// Negative answers use the SOA minimum when present, capped by NegativeTTL.
func (c *Cache) determineTTL(resp *dns.Msg) time.Duration {
	if resp.Rcode == dns.RcodeNameError || len(resp.Answer) == 0 {
		ttl := c.cfg.NegativeTTL
		for _, rr := range resp.Ns {
			if soa, ok := rr.(*dns.SOA); ok {
				soaTTL := time.Duration(min(soa.Minttl, soa.Hdr.Ttl)) * time.Second
				if soaTTL < ttl {
					ttl = soaTTL
				}
			}
		}
		return ttl
	}

	var minTTL uint32
	for i, rr := range resp.Answer {
		if ttl := rr.Header().Ttl; i == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl < c.cfg.MinTTL {
		ttl = c.cfg.MinTTL
	}
	if c.cfg.MaxTTL > 0 && ttl > c.cfg.MaxTTL {
		ttl = c.cfg.MaxTTL
	}
	return ttl
}

// evictLRU removes the least recently used entry.
// Must be called with write lock held.
func (c *Cache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccess
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.evictions++
	}
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired entries
func (c *Cache) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		c.stats.evictions += uint64(removed)
		c.logger.Debug("Cleaned up expired cache entries", "removed", removed, "remaining", len(c.entries))
	}
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.stats.hits + c.stats.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.stats.hits) / float64(total)
	}

	return Stats{
		Hits:      c.stats.hits,
		Misses:    c.stats.misses,
		Entries:   len(c.entries),
		Evictions: c.stats.evictions,
		Sets:      c.stats.sets,
		HitRate:   hitRate,
	}
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry, c.maxEntries)
	c.logger.Info("Cache cleared")
}

// Close stops the cleanup goroutine
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		<-c.cleanupDone

		stats := c.Stats()
		c.logger.Info("Cache closed",
			"final_hits", stats.Hits,
			"final_misses", stats.Misses,
			"final_entries", stats.Entries)
	})
	return nil
}
