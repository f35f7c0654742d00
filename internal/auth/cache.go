package auth

import (
	"sync"
	"time"
)

const defaultDecisionCacheSize = 10_000

type cachedDecision struct {
	outcome   validationOutcome
	expiresAt time.Time
}

// decisionCache remembers recent negative validation outcomes by secret hash so
// floods of bad credentials do not each cost a key store query.
type decisionCache struct {
	mu         sync.RWMutex
	data       map[string]cachedDecision
	maxEntries int
}

func newDecisionCache(maxEntries int) *decisionCache {
	if maxEntries <= 0 {
		maxEntries = defaultDecisionCacheSize
	}
	return &decisionCache{
		data:       make(map[string]cachedDecision),
		maxEntries: maxEntries,
	}
}

func (c *decisionCache) Get(hash string, now time.Time) (validationOutcome, bool) {
	c.mu.RLock()
	entry, ok := c.data[hash]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !now.Before(entry.expiresAt) {
		c.Delete(hash)
		return "", false
	}
	return entry.outcome, true
}

func (c *decisionCache) Set(hash string, outcome validationOutcome, ttl time.Duration, now time.Time) {
	if !outcome.negative() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) >= c.maxEntries {
		c.purgeLocked(now)
	}
	if len(c.data) >= c.maxEntries {
		// Still full of live entries: drop an arbitrary one.
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}
	c.data[hash] = cachedDecision{outcome: outcome, expiresAt: now.Add(ttl)}
}

func (c *decisionCache) Delete(hash string) {
	c.mu.Lock()
	delete(c.data, hash)
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (c *decisionCache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(now)
}

func (c *decisionCache) purgeLocked(now time.Time) int {
	removed := 0
	for k, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

func (c *decisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
