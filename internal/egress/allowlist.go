package egress

import (
	"strings"
	"sync"
)

// Allowlist holds the global default set of permitted destination
// hostnames plus per-source override sets keyed by the connecting
// socket's source address. Both are mutable at runtime.
type Allowlist struct {
	mu        sync.RWMutex
	global    []string
	overrides map[string][]string
}

func NewAllowlist(global []string) *Allowlist {
	return &Allowlist{
		global:    normalize(global),
		overrides: make(map[string][]string),
	}
}

// SetGlobal replaces the default allowlist.
func (a *Allowlist) SetGlobal(hosts []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.global = normalize(hosts)
}

// Global returns a copy of the default allowlist.
func (a *Allowlist) Global() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.global...)
}

// SetOverride installs a per-source allowlist that replaces the global
// default for connections from source.
func (a *Allowlist) SetOverride(source string, hosts []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides[source] = normalize(hosts)
}

// ClearOverride removes a per-source allowlist.
func (a *Allowlist) ClearOverride(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.overrides, source)
}

// Match reports whether host is permitted for a connection from source.
// A hostname matches an entry exactly or as a dot-boundary subdomain of
// it: an entry "api.example.com" also permits "foo.api.example.com".
func (a *Allowlist) Match(source, host string) bool {
	host = canonicalHost(host)

	a.mu.RLock()
	entries, overridden := a.overrides[source]
	if !overridden {
		entries = a.global
	}
	a.mu.RUnlock()

	for _, entry := range entries {
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func canonicalHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

func normalize(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = canonicalHost(strings.TrimSpace(h)); h != "" {
			out = append(out, h)
		}
	}
	return out
}
