package services

import (
	"sync"
	"time"

	"github.com/openclaw/launcher/internal/core/domain"
)

// StatusEntry is the last-observed runtime state for one identity. The
// cache is advisory: when an entry is stale or absent, status queries
// report unknown instead of querying the runtime synchronously.
type StatusEntry struct {
	Status      string    `json:"status"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	ObservedAt  time.Time `json:"observed_at"`
}

// StatusCache holds per-identity runtime observations. It is written by
// the reconciler and the orchestrator's launch/stop paths, and read by
// status queries. It is never a source of truth for instance existence —
// only the registry is.
type StatusCache struct {
	mu            sync.Mutex
	entries       map[string]StatusEntry
	explicitStops map[string]bool
}

func NewStatusCache() *StatusCache {
	return &StatusCache{
		entries:       make(map[string]StatusEntry),
		explicitStops: make(map[string]bool),
	}
}

// Get returns the cached entry and whether one exists.
func (c *StatusCache) Get(identity string) (StatusEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[identity]
	return entry, ok
}

// Status returns the cached status string, or unknown when cold.
func (c *StatusCache) Status(identity string) string {
	if entry, ok := c.Get(identity); ok {
		return entry.Status
	}
	return domain.StatusUnknown
}

// Set stores an observation.
func (c *StatusCache) Set(identity string, entry StatusEntry) {
	c.mu.Lock()
	c.entries[identity] = entry
	c.mu.Unlock()
}

// SeedStarting records the optimistic post-launch placeholder, exposed
// until the reconciler's next pass confirms the real state.
func (c *StatusCache) SeedStarting(identity string) {
	c.Set(identity, StatusEntry{Status: domain.StatusStarting, ObservedAt: time.Now()})
}

// Invalidate drops the cached entry so the next query reports unknown.
func (c *StatusCache) Invalidate(identity string) {
	c.mu.Lock()
	delete(c.entries, identity)
	c.mu.Unlock()
}

// MarkExplicitStop records that the orchestrator stopped this identity on
// purpose, so the reconciler does not count the coming transition as an
// unexpected restart and keeps reporting "stopped" instead of "exited".
func (c *StatusCache) MarkExplicitStop(identity string) {
	c.mu.Lock()
	c.explicitStops[identity] = true
	c.mu.Unlock()
}

// ExplicitStopped reports whether an explicit-stop mark is set. The mark
// persists across reconciliation passes until the instance runs again or
// its state is removed.
func (c *StatusCache) ExplicitStopped(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.explicitStops[identity]
}

// ClearExplicitStop drops the mark once the instance is running again.
func (c *StatusCache) ClearExplicitStop(identity string) {
	c.mu.Lock()
	delete(c.explicitStops, identity)
	c.mu.Unlock()
}

// Remove clears all cached state for an identity.
func (c *StatusCache) Remove(identity string) {
	c.mu.Lock()
	delete(c.entries, identity)
	delete(c.explicitStops, identity)
	c.mu.Unlock()
}

// Prune drops entries for identities no longer present in the registry.
func (c *StatusCache) Prune(present map[string]bool) {
	c.mu.Lock()
	for identity := range c.entries {
		if !present[identity] {
			delete(c.entries, identity)
			delete(c.explicitStops, identity)
		}
	}
	c.mu.Unlock()
}

// Snapshot returns a copy of all entries.
func (c *StatusCache) Snapshot() map[string]StatusEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]StatusEntry, len(c.entries))
	for identity, entry := range c.entries {
		out[identity] = entry
	}
	return out
}

// RestartCounters counts unexpected running→non-running transitions per
// identity. Process-lifetime only, never persisted.
type RestartCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewRestartCounters() *RestartCounters {
	return &RestartCounters{counts: make(map[string]int)}
}

func (r *RestartCounters) Increment(identity string) {
	r.mu.Lock()
	r.counts[identity]++
	r.mu.Unlock()
}

func (r *RestartCounters) Get(identity string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[identity]
}

func (r *RestartCounters) Reset(identity string) {
	r.mu.Lock()
	delete(r.counts, identity)
	r.mu.Unlock()
}

// Prune drops counters for identities no longer present in the registry.
func (r *RestartCounters) Prune(present map[string]bool) {
	r.mu.Lock()
	for identity := range r.counts {
		if !present[identity] {
			delete(r.counts, identity)
		}
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (r *RestartCounters) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for identity, count := range r.counts {
		out[identity] = count
	}
	return out
}
