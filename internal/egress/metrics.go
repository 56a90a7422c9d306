package egress

import (
	"sort"
	"sync"
)

// Counters tracks cumulative allowed/blocked request counts and a ranking
// of the most frequently blocked destination hostnames.
type Counters struct {
	mu            sync.Mutex
	allowed       uint64
	blocked       uint64
	blockedByHost map[string]uint64
}

func NewCounters() *Counters {
	return &Counters{blockedByHost: make(map[string]uint64)}
}

func (c *Counters) Allow() {
	c.mu.Lock()
	c.allowed++
	c.mu.Unlock()
}

func (c *Counters) Block(host string) {
	c.mu.Lock()
	c.blocked++
	c.blockedByHost[canonicalHost(host)]++
	c.mu.Unlock()
}

func (c *Counters) Allowed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowed
}

func (c *Counters) Blocked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// HostCount is one entry of the blocked-destination ranking.
type HostCount struct {
	Host  string `json:"host"`
	Count uint64 `json:"count"`
}

// TopBlocked returns at most n hostnames ordered by block count, ties
// broken by name for stable output.
func (c *Counters) TopBlocked(n int) []HostCount {
	c.mu.Lock()
	ranked := make([]HostCount, 0, len(c.blockedByHost))
	for host, count := range c.blockedByHost {
		ranked = append(ranked, HostCount{Host: host, Count: count})
	}
	c.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Host < ranked[j].Host
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
