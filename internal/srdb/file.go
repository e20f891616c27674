package srdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

// fileRows is the YAML layout of a static Paths table.
//
//	paths:
//	  - uuid: r1-r2
//	    addr1: fc00::1
//	    addr2: fc00::2
//	    prefixes:
//	      - [{address: "2001:db8:1::", prefixlen: 48}]
//	      - [{address: "2001:db8:2::", prefixlen: 48}]
//	    segments: [[fc00::a, fc00::b]]
//	    bw: 1000
//	    delay: 10
//
// prefixes and segments may also be given as JSON strings, the way they are
// stored in OVSDB.
type fileRows struct {
	Paths []map[string]interface{} `yaml:"paths"`
}

// FileFeed serves rows from a YAML file and re-emits the difference every
// time the file changes.
type FileFeed struct {
	path   string
	logger log.Logger
}

// NewFileFeed creates a feed reading path.
func NewFileFeed(path string, logger log.Logger) *FileFeed {
	return &FileFeed{path: path, logger: logger.WithField("feed", "file")}
}

// LoadFile reads every row of a YAML rows file.
func LoadFile(path string) ([]PathRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileRows
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrParse, path, err)
	}
	rows := make([]PathRow, 0, len(doc.Paths))
	seen := make(map[string]bool, len(doc.Paths))
	for i, columns := range doc.Paths {
		row, err := DecodeRow(columns)
		if row.UUID == "" {
			row.UUID = fmt.Sprintf("row-%d", i)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: row %q: %w", path, row.UUID, err)
		}
		if seen[row.UUID] {
			return nil, fmt.Errorf("%w: %s: duplicate row %q", core.ErrParse, path, row.UUID)
		}
		seen[row.UUID] = true
		rows = append(rows, row)
	}
	return rows, nil
}

// Run emits the initial rows, then watches the file's directory so that
// editors replacing the file by rename are noticed too.
func (f *FileFeed) Run(ctx context.Context, emit func(RowEvent)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	current, err := LoadFile(f.path)
	if err != nil {
		return err
	}
	f.emitAll(Diff(nil, current), emit)
	f.logger.WithField("path", f.path).WithField("rows", len(current)).Info("loaded path rows")

	target := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.WithError(err).Warn("file watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			next, err := LoadFile(f.path)
			if err != nil {
				f.logger.WithError(err).Warn("keeping previous rows, reload failed")
				continue
			}
			f.emitAll(Diff(current, next), emit)
			current = next
		}
	}
}

func (f *FileFeed) emitAll(events []RowEvent, emit func(RowEvent)) {
	for _, ev := range events {
		metrics.FeedEventsTotal.WithLabelValues("file", ev.Action.String()).Inc()
		emit(ev)
	}
}

// Diff returns the events turning the row set prev into next, ordered by UUID.
func Diff(prev, next []PathRow) []RowEvent {
	old := make(map[string]PathRow, len(prev))
	for _, r := range prev {
		old[r.UUID] = r
	}

	var events []RowEvent
	for _, r := range next {
		o, ok := old[r.UUID]
		switch {
		case !ok:
			events = append(events, RowEvent{Action: ActionInsert, Row: r})
		case !reflect.DeepEqual(o, r):
			events = append(events, RowEvent{Action: ActionUpdate, Row: r})
		}
		delete(old, r.UUID)
	}
	for uuid := range old {
		events = append(events, RowEvent{Action: ActionDelete, Row: PathRow{UUID: uuid}})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Row.UUID < events[j].Row.UUID })
	return events
}
