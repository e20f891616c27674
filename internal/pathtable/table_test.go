package pathtable

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/srh"
)

var dest = netip.MustParseAddr("2001:db8::2")

func newTable(t *testing.T) (*Table, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, log.GetLogger()), store
}

func exported(t *testing.T, store *MemoryStore, dst netip.Addr) *DestinationEntry {
	t.Helper()
	b, ok := store.Get(dst)
	require.True(t, ok, "no fast-path entry for %s", dst)
	require.Len(t, b, EntrySize)
	e, err := UnmarshalEntry(b)
	require.NoError(t, err)
	return e
}

func TestInsertThenRemoveInvalidatesSlot(t *testing.T) {
	table, store := newTable(t)
	p := Path{Segments: []string{"2001:db8::1"}}

	id, err := table.Upsert(dest, p)
	require.NoError(t, err)
	assert.Equal(t, PathID(0), id)

	e, ok := table.Lookup(dest)
	require.True(t, ok)
	assert.True(t, e.Paths[0].Valid)
	assert.Equal(t, 1, e.Paths[0].Refs)

	require.NoError(t, table.Remove(dest, p.Segments))

	e, ok = table.Lookup(dest)
	require.True(t, ok)
	assert.False(t, e.Paths[0].Valid)
	assert.Equal(t, 0, e.Paths[0].Refs)

	fp := exported(t, store, dest)
	assert.False(t, fp.Paths[0].Valid)
	assert.Equal(t, PathID(0), fp.Paths[0].ID)
	require.NotNil(t, fp.Paths[0].SRH, "invalidated slot keeps its header")
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::1")}, fp.Paths[0].SRH.Waypoints())
}

func TestUpsertIsIdempotent(t *testing.T) {
	table, store := newTable(t)
	p := Path{Segments: []string{"fc00::1", "fc00::2"}, Bandwidth: 100, Delay: 10}

	id1, err := table.Upsert(dest, p)
	require.NoError(t, err)
	before, _ := store.Get(dest)
	writes := store.Writes()

	id2, err := table.Upsert(dest, p)
	require.NoError(t, err)
	after, _ := store.Get(dest)

	assert.Equal(t, id1, id2)
	assert.Equal(t, before, after)
	assert.Equal(t, writes, store.Writes(), "replay must not rewrite an identical entry")

	e, _ := table.Lookup(dest)
	assert.Equal(t, 1, e.ValidCount())
	assert.Equal(t, 2, e.Paths[id1].Refs)
}

func TestReversedAuthoringSharesSlot(t *testing.T) {
	table, _ := newTable(t)
	id1, err := table.Upsert(dest, Path{Segments: []string{"fc00::1", "fc00::2"}})
	require.NoError(t, err)
	id2, err := table.Upsert(dest, Path{Segments: []string{"fc00::2", "fc00::1"}, Reversed: true})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

// A segment list and its mirror image are one path for the key, even when
// both are authored in the same direction. The second one only adds a
// reference and the slot keeps the header of the first.
func TestMirroredListsShareSlot(t *testing.T) {
	table, _ := newTable(t)
	id1, err := table.Upsert(dest, Path{Segments: []string{"fc00::1", "fc00::2"}})
	require.NoError(t, err)
	id2, err := table.Upsert(dest, Path{Segments: []string{"fc00::2", "fc00::1"}})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	e, ok := table.Lookup(dest)
	require.True(t, ok)
	assert.Equal(t, 2, e.Paths[id1].Refs)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fc00::1"), netip.MustParseAddr("fc00::2")}, e.Paths[id1].SRH.Waypoints())
}

func TestSlotReusableOnlyAtZeroRefs(t *testing.T) {
	table, _ := newTable(t)
	paths := make([]Path, MaxPathsPerDest)
	for i := range paths {
		paths[i] = Path{Segments: []string{fmt.Sprintf("fc00::%x", i+1)}}
		id, err := table.Upsert(dest, paths[i])
		require.NoError(t, err)
		assert.Equal(t, PathID(i), id)
	}

	// Second reference on slot 1.
	_, err := table.Upsert(dest, paths[1])
	require.NoError(t, err)

	extra := Path{Segments: []string{"fc00::99"}}
	_, err = table.Upsert(dest, extra)
	assert.ErrorIs(t, err, core.ErrTableFull)

	require.NoError(t, table.Remove(dest, paths[1].Segments))
	_, err = table.Upsert(dest, extra)
	assert.ErrorIs(t, err, core.ErrTableFull, "slot 1 still has a reference")

	require.NoError(t, table.Remove(dest, paths[1].Segments))
	id, err := table.Upsert(dest, extra)
	require.NoError(t, err)
	assert.Equal(t, PathID(1), id, "first invalid slot is reused")

	e, _ := table.Lookup(dest)
	assert.Equal(t, MaxPathsPerDest, e.ValidCount())
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fc00::99")}, e.Paths[1].SRH.Waypoints())
}

func TestUnusedSlotPreferredOverInvalid(t *testing.T) {
	table, _ := newTable(t)
	a := Path{Segments: []string{"fc00::a"}}
	_, err := table.Upsert(dest, a)
	require.NoError(t, err)
	require.NoError(t, table.Remove(dest, a.Segments))

	id, err := table.Upsert(dest, Path{Segments: []string{"fc00::b"}})
	require.NoError(t, err)
	assert.Equal(t, PathID(1), id)

	id, err = table.Upsert(dest, a)
	require.NoError(t, err)
	assert.Equal(t, PathID(2), id, "a withdrawn path is not resurrected in its old slot")
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	table, store := newTable(t)
	assert.NoError(t, table.Remove(dest, []string{"fc00::1"}))
	assert.Equal(t, 0, store.Writes())

	_, err := table.Upsert(dest, Path{Segments: []string{"fc00::1"}})
	require.NoError(t, err)
	assert.NoError(t, table.Remove(dest, []string{"fc00::2"}))
	assert.Equal(t, 1, store.Writes())
}

func TestUpsertInvalidInput(t *testing.T) {
	table, _ := newTable(t)
	_, err := table.Upsert(dest, Path{Segments: []string{"bogus"}})
	assert.ErrorIs(t, err, srh.ErrInvalidAddress)

	_, err = table.Upsert(netip.MustParseAddr("10.0.0.1"), Path{Segments: []string{"fc00::1"}})
	assert.ErrorIs(t, err, srh.ErrInvalidAddress)

	segs := make([]string, srh.MaxSegments)
	for i := range segs {
		segs[i] = fmt.Sprintf("fc00::%x", i+1)
	}
	_, err = table.Upsert(dest, Path{Segments: segs})
	assert.ErrorIs(t, err, srh.ErrTooManySegments)

	_, ok := table.Lookup(dest)
	assert.False(t, ok, "failed upserts leave no state behind")
}

func TestRefreshKeepsReferences(t *testing.T) {
	table, store := newTable(t)
	p := Path{Segments: []string{"fc00::1"}, Bandwidth: 10, Delay: 5}
	id, err := table.Upsert(dest, p)
	require.NoError(t, err)

	p.Bandwidth, p.Delay, p.Reward = 20, 7, 9
	require.NoError(t, table.Refresh(dest, p))

	e, _ := table.Lookup(dest)
	assert.Equal(t, 1, e.Paths[id].Refs)
	assert.Equal(t, uint64(20), e.Paths[id].Bandwidth)
	assert.Equal(t, uint32(9), e.MaxReward)

	fp := exported(t, store, dest)
	assert.Equal(t, uint64(7), fp.Paths[id].Delay)

	assert.NoError(t, table.Refresh(netip.MustParseAddr("2001:db8::99"), p))
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Put(dst netip.Addr, entry []byte) error {
	return m.Called(dst, entry).Error(0)
}

func TestStoreFailureAbortsOperation(t *testing.T) {
	store := &mockStore{}
	store.On("Put", dest, mock.Anything).Return(nil).Once()
	store.On("Put", dest, mock.Anything).Return(errors.New("map full"))
	table := New(store, log.GetLogger())

	p := Path{Segments: []string{"fc00::1"}}
	_, err := table.Upsert(dest, p)
	require.NoError(t, err)

	_, err = table.Upsert(dest, Path{Segments: []string{"fc00::2"}})
	assert.Error(t, err)

	err = table.Remove(dest, p.Segments)
	assert.Error(t, err)

	e, _ := table.Lookup(dest)
	assert.Equal(t, 1, e.ValidCount(), "failed commits do not change the table")
	assert.Equal(t, 1, e.Paths[0].Refs)
	store.AssertNumberOfCalls(t, "Put", 3)
}

func TestCheckDetectsCorruption(t *testing.T) {
	h, err := srh.Build(netip.Addr{}, []netip.Addr{netip.MustParseAddr("fc00::1")}, false)
	require.NoError(t, err)

	d := &destination{used: 2, index: map[srh.Key]PathID{h.Key(): 0}}
	d.entry.Paths[0] = PathRecord{ID: 0, Valid: true, SRH: h, Refs: 1}
	d.entry.Paths[1] = PathRecord{ID: 0}
	assert.ErrorIs(t, d.check(), core.ErrCorrupted, "duplicate slot id")

	d.entry.Paths[1] = PathRecord{ID: 1, Valid: true, SRH: h, Refs: 1}
	assert.ErrorIs(t, d.check(), core.ErrCorrupted, "same path in two valid slots")

	d.entry.Paths[1] = PathRecord{ID: 1}
	assert.NoError(t, d.check())

	d.entry.Paths[3] = PathRecord{ID: 3, Valid: true, SRH: h, Refs: 1}
	assert.ErrorIs(t, d.check(), core.ErrCorrupted, "slot beyond high-water mark")
}

func TestConcurrentAccess(t *testing.T) {
	table, _ := newTable(t)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			p := Path{Segments: []string{fmt.Sprintf("fc00::%x", w%MaxPathsPerDest+1)}}
			for i := 0; i < 100; i++ {
				if _, err := table.Upsert(dest, p); err != nil {
					t.Errorf("upsert: %v", err)
					return
				}
				table.Lookup(dest)
				if err := table.Remove(dest, p.Segments); err != nil {
					t.Errorf("remove: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	e, ok := table.Lookup(dest)
	require.True(t, ok)
	assert.LessOrEqual(t, e.ValidCount(), MaxPathsPerDest)
	assert.Equal(t, 0, e.ValidCount())
}
