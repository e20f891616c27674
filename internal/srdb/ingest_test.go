package srdb

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/pathtable"
)

// recordingStore logs every call as "op dst segments reversed".
type recordingStore struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]bool
}

func (s *recordingStore) record(op string, dst netip.Addr, segments []string, reversed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := fmt.Sprintf("%s %s [%s] %v", op, dst, strings.Join(segments, " "), reversed)
	s.calls = append(s.calls, call)
	if s.failing[op] {
		return errors.New("store down")
	}
	return nil
}

func (s *recordingStore) Upsert(dst netip.Addr, p pathtable.Path) (pathtable.PathID, error) {
	return 1, s.record("upsert", dst, p.Segments, p.Reversed)
}

func (s *recordingStore) Refresh(dst netip.Addr, p pathtable.Path) error {
	return s.record("refresh", dst, p.Segments, p.Reversed)
}

func (s *recordingStore) Remove(dst netip.Addr, segments []string) error {
	return s.record("remove", dst, segments, false)
}

func (s *recordingStore) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.calls
	s.calls = nil
	return out
}

func pathRow(uuid string, segments ...[]string) PathRow {
	return PathRow{
		UUID: uuid,
		Prefixes: [2][]netip.Prefix{
			{netip.MustParsePrefix("2001:db8:1::/48")},
			{netip.MustParsePrefix("2001:db8:2::/48"), netip.MustParsePrefix("2001:db8:22::/48")},
		},
		Segments: segments,
	}
}

func newIngestor(store PathStore, local string) *Ingestor {
	return NewIngestor(store, []netip.Addr{netip.MustParseAddr(local)}, nil, log.Discard())
}

func TestIngestorSideSelection(t *testing.T) {
	ctx := context.Background()

	store := &recordingStore{}
	in := newIngestor(store, "2001:db8:1::10")
	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r", []string{"fc00::a"})})
	assert.Equal(t, []string{
		"upsert 2001:db8:2:: [fc00::a] false",
		"upsert 2001:db8:22:: [fc00::a] false",
	}, store.take())

	store = &recordingStore{}
	in = newIngestor(store, "2001:db8:2::10")
	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r", []string{"fc00::a"})})
	assert.Equal(t, []string{"upsert 2001:db8:1:: [fc00::a] true"}, store.take())

	store = &recordingStore{}
	in = newIngestor(store, "2001:db8:9::10")
	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r", []string{"fc00::a"})})
	assert.Empty(t, store.take())
	assert.Equal(t, 0, in.Rows())
}

func TestIngestorUpdateDiff(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	in := newIngestor(store, "2001:db8:2::10")

	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r", []string{"fc00::a"}, []string{"fc00::b"})})
	assert.Len(t, store.take(), 2)

	in.Apply(ctx, RowEvent{Action: ActionUpdate, Row: pathRow("r", []string{"fc00::b"}, []string{"fc00::c"})})
	assert.Equal(t, []string{
		"remove 2001:db8:1:: [fc00::a] false",
		"refresh 2001:db8:1:: [fc00::b] true",
		"upsert 2001:db8:1:: [fc00::c] true",
	}, store.take())

	in.Apply(ctx, RowEvent{Action: ActionDelete, Row: PathRow{UUID: "r"}})
	assert.Equal(t, []string{
		"remove 2001:db8:1:: [fc00::b] false",
		"remove 2001:db8:1:: [fc00::c] false",
	}, store.take())
	assert.Equal(t, 0, in.Rows())

	in.Apply(ctx, RowEvent{Action: ActionDelete, Row: PathRow{UUID: "r"}})
	assert.Empty(t, store.take())
}

func TestIngestorReversedAuthoringIsSamePath(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	in := newIngestor(store, "2001:db8:2::10")

	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r", []string{"fc00::a", "fc00::b"})})
	store.take()
	in.Apply(ctx, RowEvent{Action: ActionUpdate, Row: pathRow("r", []string{"fc00::b", "fc00::a"})})
	assert.Equal(t, []string{"refresh 2001:db8:1:: [fc00::b fc00::a] true"}, store.take())
}

func TestIngestorFailedUpsertIsRetriedOnNextUpdate(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{failing: map[string]bool{"upsert": true}}
	in := newIngestor(store, "2001:db8:2::10")

	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r", []string{"fc00::a"})})
	assert.Equal(t, 0, in.Rows())
	store.take()

	store.failing = nil
	in.Apply(ctx, RowEvent{Action: ActionUpdate, Row: pathRow("r", []string{"fc00::a"})})
	assert.Equal(t, []string{"upsert 2001:db8:1:: [fc00::a] true"}, store.take())
	assert.Equal(t, 1, in.Rows())
}

func TestIngestorSkipsBadSegments(t *testing.T) {
	store := &recordingStore{}
	in := newIngestor(store, "2001:db8:2::10")
	in.Apply(context.Background(), RowEvent{Action: ActionInsert, Row: pathRow("r", []string{"not-an-address"}, []string{})})
	assert.Equal(t, []string{"upsert 2001:db8:1:: [] true"}, store.take())
}

func TestIngestorAgainstPathTable(t *testing.T) {
	ctx := context.Background()
	mem := pathtable.NewMemoryStore()
	table := pathtable.New(mem, log.Discard())

	in := newIngestor(table, "2001:db8:1::10")
	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r1", []string{"fc00::a"})})
	in.Apply(ctx, RowEvent{Action: ActionInsert, Row: pathRow("r2", []string{"fc00::a"}, []string{"fc00::b"})})

	dst := netip.MustParseAddr("2001:db8:2::")
	entry, ok := table.Lookup(dst)
	require.True(t, ok)
	assert.Equal(t, 2, entry.ValidCount())
	assert.Equal(t, 2, entry.Paths[0].Refs)

	in.Apply(ctx, RowEvent{Action: ActionDelete, Row: PathRow{UUID: "r2"}})
	entry, _ = table.Lookup(dst)
	assert.Equal(t, 1, entry.ValidCount())
	assert.Equal(t, 1, entry.Paths[0].Refs)

	_, ok = mem.Get(dst)
	assert.True(t, ok)
}
