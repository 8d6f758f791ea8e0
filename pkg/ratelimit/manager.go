// Package ratelimit throttles how often blacklist lookup passes are
// started for one address, so a reconnecting client cannot flood the
// blacklists with queries.
package ratelimit

import (
	"sync"
	"time"

	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/logging"

	"golang.org/x/time/rate"
)

// Manager keeps one token bucket per address
type Manager struct {
	cfg    *config.ThrottleConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[string]*clientLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewManager returns nil when throttling is disabled. A nil Manager
// allows everything.
func NewManager(cfg *config.ThrottleConfig, logger *logging.Logger) *Manager {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*clientLimiter, 128),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	if cfg.CleanupInterval > 0 {
		go m.cleanupLoop()
	}

	return m
}

// Allow reports whether a lookup pass may start for ip
func (m *Manager) Allow(ip string) bool {
	if m == nil || ip == "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.clients[ip]
	if !ok {
		if m.cfg.MaxTrackedClients > 0 && len(m.clients) >= m.cfg.MaxTrackedClients {
			m.evictOldestLocked()
		}
		entry = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(m.cfg.PassesPerMinute/60), m.cfg.Burst),
		}
		m.clients[ip] = entry
	}

	now := m.now()
	entry.lastSeen = now
	if entry.limiter.AllowN(now, 1) {
		return true
	}

	if m.logger != nil {
		m.logger.Debug("Throttled blacklist check", "ip", ip)
	}
	return false
}

// Tracked returns the number of addresses with a live bucket
func (m *Manager) Tracked() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop terminates the cleanup goroutine
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for ip, entry := range m.clients {
		if now.Sub(entry.lastSeen) > m.cfg.CleanupInterval {
			delete(m.clients, ip)
		}
	}
}

func (m *Manager) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	first := true

	for ip, entry := range m.clients {
		if first || entry.lastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = entry.lastSeen
			first = false
		}
	}

	if oldestIP != "" {
		delete(m.clients, oldestIP)
	}
}
