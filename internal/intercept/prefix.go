package intercept

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
)

// PrefixMap resolves host addresses to the router announcing the longest
// matching prefix. Each announcement is counted so that rows sharing a
// prefix can come and go independently.
type PrefixMap struct {
	mu    sync.RWMutex
	table *bart.Table[map[netip.Addr]int]
	size  int
}

func NewPrefixMap() *PrefixMap {
	return &PrefixMap{table: new(bart.Table[map[netip.Addr]int])}
}

// Add records that router announces p.
func (m *PrefixMap) Add(p netip.Prefix, router netip.Addr) {
	p = p.Masked()
	m.mu.Lock()
	defer m.mu.Unlock()
	routers, ok := m.table.Get(p)
	if !ok {
		routers = make(map[netip.Addr]int)
		m.table.Insert(p, routers)
		m.size++
	}
	routers[router]++
}

// Remove drops one announcement of p by router.
func (m *PrefixMap) Remove(p netip.Prefix, router netip.Addr) {
	p = p.Masked()
	m.mu.Lock()
	defer m.mu.Unlock()
	routers, ok := m.table.Get(p)
	if !ok {
		return
	}
	routers[router]--
	if routers[router] <= 0 {
		delete(routers, router)
	}
	if len(routers) == 0 {
		m.table.Delete(p)
		m.size--
	}
}

// Lookup returns the router of the longest prefix containing a. When
// several routers announce that prefix the lowest address wins.
func (m *PrefixMap) Lookup(a netip.Addr) (netip.Addr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	routers, ok := m.table.Lookup(a)
	if !ok {
		return netip.Addr{}, false
	}
	var best netip.Addr
	for r := range routers {
		if !best.IsValid() || r.Less(best) {
			best = r
		}
	}
	return best, true
}

// Len returns the number of distinct prefixes.
func (m *PrefixMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
