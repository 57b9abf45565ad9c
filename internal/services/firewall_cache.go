package services

import (
	"sync"
	"time"

	"github.com/passage-dev/passage/internal/models"
)

// ruleCache keeps per-project firewall rules in memory so the hot ingress
// path does not hit the store on every request. Entries expire after the
// TTL and are dropped eagerly when rules change.
type ruleCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]ruleCacheEntry
}

type ruleCacheEntry struct {
	rules    []models.FirewallRule
	loadedAt time.Time
}

func newRuleCache(ttl time.Duration) *ruleCache {
	return &ruleCache{
		ttl:     ttl,
		entries: make(map[string]ruleCacheEntry),
	}
}

func (c *ruleCache) get(projectID string) ([]models.FirewallRule, bool) {
	c.mu.RLock()
	entry, ok := c.entries[projectID]
	c.mu.RUnlock()
	if !ok || time.Since(entry.loadedAt) > c.ttl {
		return nil, false
	}
	return entry.rules, true
}

func (c *ruleCache) set(projectID string, rules []models.FirewallRule) {
	c.mu.Lock()
	c.entries[projectID] = ruleCacheEntry{rules: rules, loadedAt: time.Now()}
	c.mu.Unlock()
}

func (c *ruleCache) invalidate(projectID string) {
	c.mu.Lock()
	delete(c.entries, projectID)
	c.mu.Unlock()
}

func (c *ruleCache) invalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]ruleCacheEntry)
	c.mu.Unlock()
}
