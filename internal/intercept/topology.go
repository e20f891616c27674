package intercept

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/srdb"
	"firestige.xyz/srte/internal/srh"
)

// Candidate is one path between two routers. Segments are authored from
// From toward the other router.
type Candidate struct {
	Segments  []string
	Waypoints []netip.Addr
	Key       srh.Key
	From      netip.Addr
}

// Reversed reports whether a flow entering at router travels the segments
// against their authored order.
func (c Candidate) Reversed(router netip.Addr) bool {
	return router != c.From
}

// Topology is the router view of the Paths table: which router announces
// each prefix, and which paths join each router pair.
type Topology struct {
	prefixes *PrefixMap
	cache    *gocache.Cache
	logger   log.Logger

	mu   sync.RWMutex
	rows map[string]srdb.PathRow
}

// NewTopology creates an empty topology. Pair lookups are cached for ttl;
// zero keeps them until the rows of the pair change.
func NewTopology(ttl time.Duration, logger log.Logger) *Topology {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Topology{
		prefixes: NewPrefixMap(),
		cache:    gocache.New(ttl, cleanupInterval(ttl)),
		logger:   logger.WithField("component", "topology"),
		rows:     make(map[string]srdb.PathRow),
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl == gocache.NoExpiration {
		return 0
	}
	return 2 * ttl
}

// Apply folds a row event into the topology. It has the srdb feed callback
// signature.
func (t *Topology) Apply(ev srdb.RowEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.rows[ev.Row.UUID]; ok {
		t.unindex(old)
		delete(t.rows, ev.Row.UUID)
	}
	if ev.Action == srdb.ActionDelete {
		return
	}
	if !ev.Row.Addr1.IsValid() || !ev.Row.Addr2.IsValid() {
		t.logger.WithField("row", ev.Row.UUID).Warn("row without router addresses ignored")
		return
	}
	t.rows[ev.Row.UUID] = ev.Row
	t.index(ev.Row)
}

func (t *Topology) index(row srdb.PathRow) {
	for side, router := range [2]netip.Addr{row.Addr1, row.Addr2} {
		for _, p := range row.Prefixes[side] {
			t.prefixes.Add(p, router)
		}
	}
	t.cache.Delete(pairKey(row.Addr1, row.Addr2))
}

func (t *Topology) unindex(row srdb.PathRow) {
	for side, router := range [2]netip.Addr{row.Addr1, row.Addr2} {
		for _, p := range row.Prefixes[side] {
			t.prefixes.Remove(p, router)
		}
	}
	t.cache.Delete(pairKey(row.Addr1, row.Addr2))
}

// Router returns the router announcing the longest prefix containing host.
func (t *Topology) Router(host netip.Addr) (netip.Addr, bool) {
	return t.prefixes.Lookup(host)
}

// Candidates returns the distinct paths between routers a and b, in either
// direction. The result must not be modified.
func (t *Topology) Candidates(a, b netip.Addr) []Candidate {
	key := pairKey(a, b)
	if v, ok := t.cache.Get(key); ok {
		return v.([]Candidate)
	}

	t.mu.RLock()
	var out []Candidate
	seen := make(map[srh.Key]bool)
	uuids := make([]string, 0, len(t.rows))
	for uuid := range t.rows {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	for _, uuid := range uuids {
		row := t.rows[uuid]
		if pairKey(row.Addr1, row.Addr2) != key {
			continue
		}
		for _, segments := range row.Segments {
			waypoints, err := srh.ParseSegments(segments)
			if err != nil {
				t.logger.WithError(err).WithField("row", uuid).Debug("skipping segment list")
				continue
			}
			k := srh.KeyOf(waypoints)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, Candidate{Segments: segments, Waypoints: waypoints, Key: k, From: row.Addr1})
		}
	}
	t.cache.SetDefault(key, out)
	t.mu.RUnlock()
	return out
}

// pairKey is symmetric in its arguments.
func pairKey(a, b netip.Addr) string {
	if b.Less(a) {
		a, b = b, a
	}
	return a.String() + "|" + b.String()
}
