package orchestrator

import (
	"sync"
	"time"
)

// cooldownKey identifies a (device, finding type) pair
type cooldownKey struct {
	Device      string
	FindingType string
}

// CooldownEntry records the last playbook trigger for one key
type CooldownEntry struct {
	LastTriggered time.Time
	Cooldown      time.Duration
}

// CooldownTracker suppresses repeated playbook runs per (device, finding type)
type CooldownTracker struct {
	mu      sync.Mutex
	entries map[cooldownKey]CooldownEntry
}

// NewCooldownTracker creates an empty tracker
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{entries: make(map[cooldownKey]CooldownEntry)}
}

// Active reports whether the key is still cooling down at now
func (c *CooldownTracker) Active(device, findingType string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cooldownKey{device, findingType}]
	return ok && now.Sub(e.LastTriggered) < e.Cooldown
}

// Set starts a cooldown of d for the key
func (c *CooldownTracker) Set(device, findingType string, d time.Duration, now time.Time) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cooldownKey{device, findingType}] = CooldownEntry{LastTriggered: now, Cooldown: d}
}

// Get returns the entry for the key
func (c *CooldownTracker) Get(device, findingType string) (CooldownEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cooldownKey{device, findingType}]
	return e, ok
}

// Sweep removes expired entries and returns how many were removed
func (c *CooldownTracker) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.LastTriggered) >= e.Cooldown {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries
func (c *CooldownTracker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
