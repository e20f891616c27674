package srdb

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/pathtable"
	"firestige.xyz/srte/internal/reporter"
	"firestige.xyz/srte/internal/srh"
)

// PathStore is the part of the path table the ingestor drives.
type PathStore interface {
	Upsert(dst netip.Addr, p pathtable.Path) (pathtable.PathID, error)
	Refresh(dst netip.Addr, p pathtable.Path) error
	Remove(dst netip.Addr, segments []string) error
}

type announcementKey struct {
	dst  netip.Addr
	path srh.Key
}

// contribution is what one row announced to the table.
type contribution map[announcementKey]pathtable.Path

// Ingestor applies row events to a path table. It remembers what each row
// contributed so that updates only touch the paths that changed.
type Ingestor struct {
	store    PathStore
	local    []netip.Addr
	reporter reporter.Reporter
	logger   log.Logger

	mu   sync.Mutex
	rows map[string]contribution
}

// NewIngestor creates an ingestor for a host owning the local addresses.
func NewIngestor(store PathStore, local []netip.Addr, rep reporter.Reporter, logger log.Logger) *Ingestor {
	if rep == nil {
		rep = reporter.Nop{}
	}
	return &Ingestor{
		store:    store,
		local:    local,
		reporter: rep,
		logger:   logger.WithField("component", "ingestor"),
		rows:     make(map[string]contribution),
	}
}

// Run feeds every event of feed into the ingestor until the feed stops.
func (in *Ingestor) Run(ctx context.Context, feed Feed) error {
	return feed.Run(ctx, func(ev RowEvent) { in.Apply(ctx, ev) })
}

// Apply handles one row event. Table errors are logged; the row keeps the
// announcements that did succeed.
func (in *Ingestor) Apply(ctx context.Context, ev RowEvent) {
	in.mu.Lock()
	defer in.mu.Unlock()

	prev := in.rows[ev.Row.UUID]
	var next contribution
	if ev.Action != ActionDelete {
		next = in.contribution(ev.Row)
	}

	applied := make(contribution, len(next))
	for _, k := range sortedKeys(prev) {
		p := prev[k]
		if _, keep := next[k]; keep {
			continue
		}
		if err := in.store.Remove(k.dst, p.Segments); err != nil {
			in.logger.WithError(err).WithField("row", ev.Row.UUID).WithField("dest", k.dst).Warn("path remove failed")
			applied[k] = p
			continue
		}
		in.report(ctx, reporter.Event{Type: reporter.EventPathRemove, Destination: k.dst.String(), Path: k.path.String()})
	}

	for _, k := range sortedKeys(next) {
		p := next[k]
		if _, known := prev[k]; known {
			if err := in.store.Refresh(k.dst, p); err != nil {
				in.logger.WithError(err).WithField("row", ev.Row.UUID).WithField("dest", k.dst).Warn("path refresh failed")
			}
			applied[k] = p
			continue
		}
		id, err := in.store.Upsert(k.dst, p)
		if err != nil {
			in.logger.WithError(err).WithField("row", ev.Row.UUID).WithField("dest", k.dst).WithField("path", k.path).Warn("path upsert failed")
			continue
		}
		applied[k] = p
		slot := uint32(id)
		in.report(ctx, reporter.Event{Type: reporter.EventPathUpsert, Destination: k.dst.String(), Path: k.path.String(), Slot: &slot})
	}

	if len(applied) == 0 {
		delete(in.rows, ev.Row.UUID)
	} else {
		in.rows[ev.Row.UUID] = applied
	}
	in.logger.WithField("row", ev.Row.UUID).WithField("action", ev.Action).WithField("paths", len(applied)).Debug("row applied")
}

// Rows returns the number of rows currently contributing paths.
func (in *Ingestor) Rows() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.rows)
}

// contribution computes the announcements a row makes for this host.
func (in *Ingestor) contribution(row PathRow) contribution {
	side, ok := in.side(row)
	if !ok {
		return nil
	}
	out := make(contribution)
	remote := row.Prefixes[1-side]
	for _, segments := range row.Segments {
		waypoints, err := srh.ParseSegments(segments)
		if err != nil {
			in.logger.WithError(err).WithField("row", row.UUID).Warn("skipping segment list")
			continue
		}
		key := srh.KeyOf(waypoints)
		for _, pfx := range remote {
			out[announcementKey{dst: pfx.Addr(), path: key}] = pathtable.Path{
				Segments:  segments,
				Reversed:  side == 1,
				Bandwidth: row.Bandwidth,
				Delay:     row.Delay,
			}
		}
	}
	return out
}

// side reports which prefix list of row covers a local address.
func (in *Ingestor) side(row PathRow) (int, bool) {
	for side, list := range row.Prefixes {
		for _, pfx := range list {
			for _, a := range in.local {
				if pfx.Contains(a) {
					return side, true
				}
			}
		}
	}
	return 0, false
}

func (in *Ingestor) report(ctx context.Context, ev reporter.Event) {
	if err := in.reporter.Report(ctx, ev); err != nil {
		in.logger.WithError(err).Debug("report event failed")
	}
}

func sortedKeys(c contribution) []announcementKey {
	keys := make([]announcementKey, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if n := keys[i].dst.Compare(keys[j].dst); n != 0 {
			return n < 0
		}
		return keys[i].path < keys[j].path
	})
	return keys
}
