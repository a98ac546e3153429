// Package cache provides short-lived in-process caches for request
// deduplication and signal cooldown tracking.
package cache

import (
	"sync"
	"time"
)

type idempotencyEntry struct {
	response  []byte
	expiresAt time.Time
}

// IdempotencyCache stores responses keyed by client idempotency key so a
// retried request returns the original result instead of re-executing.
type IdempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
	now     func() time.Time
}

// NewIdempotencyCache creates a cache with the given entry TTL.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
		now:     time.Now,
	}
}

// Get returns the cached response for key, if present and not expired.
func (c *IdempotencyCache) Get(key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.response, true
}

// Put stores a response under key. Empty keys are ignored.
func (c *IdempotencyCache) Put(key string, response []byte) {
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = idempotencyEntry{
		response:  response,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Sweep drops expired entries. Called periodically by the scheduler.
func (c *IdempotencyCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// CooldownTracker records the last signal time per (subscription, symbol)
// pair and rejects repeats inside the cooldown window.
type CooldownTracker struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[cooldownKey]time.Time
	now      func() time.Time
}

type cooldownKey struct {
	subscriptionID string
	symbol         string
}

// NewCooldownTracker creates a tracker with the given cooldown window.
func NewCooldownTracker(window time.Duration) *CooldownTracker {
	return &CooldownTracker{
		window:   window,
		lastSeen: make(map[cooldownKey]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a signal for the pair may proceed, and if so
// records the attempt. A rejected attempt does not refresh the window.
func (t *CooldownTracker) Allow(subscriptionID, symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := cooldownKey{subscriptionID: subscriptionID, symbol: symbol}
	now := t.now()

	if last, ok := t.lastSeen[key]; ok && now.Sub(last) < t.window {
		return false
	}

	t.lastSeen[key] = now
	return true
}

// Clear removes the cooldown for a pair. Used when a position closes so
// the next entry signal is not suppressed.
func (t *CooldownTracker) Clear(subscriptionID, symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, cooldownKey{subscriptionID: subscriptionID, symbol: symbol})
}

// Sweep drops stale entries older than the window.
func (t *CooldownTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for key, last := range t.lastSeen {
		if now.Sub(last) >= t.window {
			delete(t.lastSeen, key)
			removed++
		}
	}
	return removed
}
