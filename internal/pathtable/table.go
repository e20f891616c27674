// Package pathtable keeps, per destination, a bounded set of candidate
// segment-routed paths and mirrors every change into the fast-path store.
//
// Slots are never freed. A withdrawn path is invalidated in place and its
// slot is only overwritten once every never-used slot is taken. PathIDs do
// not survive such an overwrite: callers re-resolve a path by its segments.
package pathtable

import (
	"bytes"
	"fmt"
	"net/netip"
	"sync"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
	"firestige.xyz/srte/internal/srh"
)

const (
	// MaxPathsPerDest bounds the slots of one destination.
	MaxPathsPerDest = 4

	// MaxExperts is the number of scoring experts (delay, bandwidth).
	MaxExperts = 2
)

// PathID is a slot index within a destination entry.
type PathID uint32

// PathRecord is one candidate path slot.
type PathRecord struct {
	ID        PathID
	Valid     bool
	Bandwidth uint64
	Delay     uint64
	Weights   [MaxExperts]float32
	SRH       *srh.Header

	// Refs is the number of feed rows currently announcing this path.
	// It is controller state and is not exported to the fast path.
	Refs int
}

// DestinationEntry groups the slots of one destination.
type DestinationEntry struct {
	Destination   netip.Addr
	MaxReward     uint32
	Paths         [MaxPathsPerDest]PathRecord
	ExpertWeights [MaxExperts]float32
	LastChosen    uint32
}

// ValidCount returns the number of valid slots.
func (e *DestinationEntry) ValidCount() int {
	n := 0
	for i := range e.Paths {
		if e.Paths[i].Valid {
			n++
		}
	}
	return n
}

// Path describes one announcement of a path toward a destination.
type Path struct {
	Segments  []string
	Reversed  bool
	Bandwidth uint64
	Delay     uint64
	Reward    uint32
}

// FastPathStore receives full destination entries keyed by destination.
type FastPathStore interface {
	Put(dst netip.Addr, entry []byte) error
}

type destination struct {
	entry    DestinationEntry
	used     int // slots [0, used) have been allocated at least once
	index    map[srh.Key]PathID
	exported []byte
}

func (d *destination) clone() *destination {
	c := &destination{
		entry:    d.entry,
		used:     d.used,
		index:    make(map[srh.Key]PathID, len(d.index)),
		exported: d.exported,
	}
	for i := range c.entry.Paths {
		if h := c.entry.Paths[i].SRH; h != nil {
			c.entry.Paths[i].SRH = h.Clone()
		}
	}
	for k, v := range d.index {
		c.index[k] = v
	}
	return c
}

// Table is the controller's path table. All mutations run under the write
// lock, including the fast-path write they trigger.
type Table struct {
	mu     sync.RWMutex
	dests  map[netip.Addr]*destination
	store  FastPathStore
	logger log.Logger
}

// New creates an empty table exporting to store.
func New(store FastPathStore, logger log.Logger) *Table {
	return &Table{
		dests:  make(map[netip.Addr]*destination),
		store:  store,
		logger: logger,
	}
}

// Upsert announces p toward dst. A path already present for dst gains a
// reference and has its metrics refreshed; a new path takes the next unused
// slot, or the first invalid one when all slots have been used.
func (t *Table) Upsert(dst netip.Addr, p Path) (PathID, error) {
	id, err := t.upsert(dst, p)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PathTableOpsTotal.WithLabelValues("upsert", result).Inc()
	return id, err
}

func (t *Table) upsert(dst netip.Addr, p Path) (PathID, error) {
	if !dst.Is6() || dst.Is4In6() {
		return 0, fmt.Errorf("%w: destination %s", srh.ErrInvalidAddress, dst)
	}
	waypoints, err := srh.ParseSegments(p.Segments)
	if err != nil {
		return 0, err
	}
	key := srh.KeyOf(waypoints)

	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.load(dst)
	if id, ok := d.index[key]; ok {
		r := &d.entry.Paths[id]
		r.Refs++
		r.Bandwidth, r.Delay = p.Bandwidth, p.Delay
		d.entry.MaxReward = max(d.entry.MaxReward, p.Reward)
		if err := t.commit(dst, d); err != nil {
			return 0, err
		}
		t.logger.WithField("dest", dst).WithField("slot", id).WithField("refs", r.Refs).Debug("path reference added")
		return id, nil
	}

	id, ok := d.allocate()
	if !ok {
		t.logger.WithField("dest", dst).WithField("path", key).Warn("no free slot for path")
		return 0, fmt.Errorf("%w: destination %s has %d valid paths", core.ErrTableFull, dst, MaxPathsPerDest)
	}
	h, err := srh.Build(netip.Addr{}, waypoints, p.Reversed)
	if err != nil {
		return 0, err
	}
	if old := d.entry.Paths[id].SRH; old != nil {
		t.logger.WithField("dest", dst).WithField("slot", id).WithField("old", old.Key()).Debug("reusing invalid slot")
	}
	d.entry.Paths[id] = PathRecord{
		ID:        id,
		Valid:     true,
		Bandwidth: p.Bandwidth,
		Delay:     p.Delay,
		Weights:   initialWeights(),
		SRH:       h,
		Refs:      1,
	}
	d.index[key] = id
	d.entry.MaxReward = max(d.entry.MaxReward, p.Reward)

	if err := t.commit(dst, d); err != nil {
		return 0, err
	}
	t.logger.WithField("dest", dst).WithField("slot", id).WithField("path", key).Info("path installed")
	return id, nil
}

// Refresh updates the metrics of a known path without touching its
// reference count. Unknown paths are ignored.
func (t *Table) Refresh(dst netip.Addr, p Path) error {
	waypoints, err := srh.ParseSegments(p.Segments)
	if err != nil {
		return err
	}
	key := srh.KeyOf(waypoints)

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.dests[dst]
	if !ok {
		return nil
	}
	id, ok := cur.index[key]
	if !ok {
		return nil
	}
	d := cur.clone()
	r := &d.entry.Paths[id]
	r.Bandwidth, r.Delay = p.Bandwidth, p.Delay
	d.entry.MaxReward = max(d.entry.MaxReward, p.Reward)
	err = t.commit(dst, d)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PathTableOpsTotal.WithLabelValues("refresh", result).Inc()
	return err
}

// Remove drops one reference to segments for dst. The slot is invalidated,
// not cleared, once no reference is left. Unknown destinations or paths are
// logged and ignored.
func (t *Table) Remove(dst netip.Addr, segments []string) error {
	waypoints, err := srh.ParseSegments(segments)
	if err != nil {
		return err
	}
	key := srh.KeyOf(waypoints)

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.dests[dst]
	if !ok {
		t.logger.WithField("dest", dst).Debug("remove for unknown destination ignored")
		metrics.PathTableOpsTotal.WithLabelValues("remove", "unknown").Inc()
		return nil
	}
	id, ok := cur.index[key]
	if !ok {
		t.logger.WithField("dest", dst).WithField("path", key).Debug("remove for unknown path ignored")
		metrics.PathTableOpsTotal.WithLabelValues("remove", "unknown").Inc()
		return nil
	}

	d := cur.clone()
	r := &d.entry.Paths[id]
	r.Refs--
	if r.Refs <= 0 {
		r.Refs = 0
		r.Valid = false
		delete(d.index, key)
	}
	if err := t.commit(dst, d); err != nil {
		metrics.PathTableOpsTotal.WithLabelValues("remove", "error").Inc()
		return err
	}
	metrics.PathTableOpsTotal.WithLabelValues("remove", "ok").Inc()
	if !r.Valid {
		t.logger.WithField("dest", dst).WithField("slot", id).WithField("path", key).Info("path invalidated")
	}
	return nil
}

// Lookup returns a deep copy of the entry for dst.
func (t *Table) Lookup(dst netip.Addr) (DestinationEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.dests[dst]
	if !ok {
		return DestinationEntry{}, false
	}
	return d.clone().entry, true
}

// Destinations returns every destination the table has seen.
func (t *Table) Destinations() []netip.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]netip.Addr, 0, len(t.dests))
	for dst := range t.dests {
		out = append(out, dst)
	}
	return out
}

// load returns a private copy of the state of dst, creating it if needed.
// Must be called with the write lock held.
func (t *Table) load(dst netip.Addr) *destination {
	if cur, ok := t.dests[dst]; ok {
		return cur.clone()
	}
	return &destination{
		entry: DestinationEntry{
			Destination:   dst,
			ExpertWeights: initialWeights(),
		},
		index: make(map[srh.Key]PathID),
	}
}

// commit checks d, exports it and makes it the current state of dst. On
// any failure the current state is left untouched.
func (t *Table) commit(dst netip.Addr, d *destination) error {
	if err := d.check(); err != nil {
		t.logger.WithField("dest", dst).WithError(err).Error("refusing to commit corrupted entry")
		return err
	}

	b := MarshalEntry(&d.entry)
	if !bytes.Equal(b, d.exported) {
		if err := t.store.Put(dst, b); err != nil {
			metrics.FastPathWritesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("fast-path write for %s: %w", dst, err)
		}
		metrics.FastPathWritesTotal.WithLabelValues("ok").Inc()
		d.exported = b
	}

	t.dests[dst] = d
	metrics.PathTableValidPaths.WithLabelValues(dst.String()).Set(float64(d.entry.ValidCount()))
	return nil
}

func (d *destination) allocate() (PathID, bool) {
	if d.used < MaxPathsPerDest {
		id := PathID(d.used)
		d.used++
		return id, true
	}
	for i := range d.entry.Paths {
		if !d.entry.Paths[i].Valid {
			return PathID(i), true
		}
	}
	return 0, false
}

// check verifies slot ids, the bound on valid slots and that the key index
// and the valid slots describe the same set.
func (d *destination) check() error {
	valid := 0
	for i := range d.entry.Paths {
		r := &d.entry.Paths[i]
		if i >= d.used {
			if r.Valid || r.SRH != nil {
				return fmt.Errorf("%w: slot %d beyond high-water mark %d is populated", core.ErrCorrupted, i, d.used)
			}
			continue
		}
		if r.ID != PathID(i) {
			return fmt.Errorf("%w: slot %d carries id %d", core.ErrCorrupted, i, r.ID)
		}
		if !r.Valid {
			continue
		}
		valid++
		if r.SRH == nil || r.Refs <= 0 {
			return fmt.Errorf("%w: valid slot %d has no header or references", core.ErrCorrupted, i)
		}
		if id, ok := d.index[r.SRH.Key()]; !ok || id != PathID(i) {
			return fmt.Errorf("%w: valid slot %d is not indexed", core.ErrCorrupted, i)
		}
	}
	if valid > MaxPathsPerDest || valid != len(d.index) {
		return fmt.Errorf("%w: %d valid slots, %d indexed paths", core.ErrCorrupted, valid, len(d.index))
	}
	return nil
}

func initialWeights() [MaxExperts]float32 {
	var w [MaxExperts]float32
	for i := range w {
		w[i] = 1
	}
	return w
}
