package pathtable

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/srte/internal/srh"
)

func TestEntryLayout(t *testing.T) {
	assert.Equal(t, 200, PathRecordSize)
	assert.Equal(t, 840, EntrySize)
}

func TestMarshalEntry(t *testing.T) {
	h, err := srh.Build(netip.Addr{}, []netip.Addr{netip.MustParseAddr("fc00::1")}, false)
	require.NoError(t, err)

	e := &DestinationEntry{
		Destination:   netip.MustParseAddr("2001:db8::2"),
		MaxReward:     42,
		ExpertWeights: [MaxExperts]float32{0.25, 0.75},
		LastChosen:    2,
	}
	e.Paths[2] = PathRecord{ID: 2, Valid: true, Bandwidth: 1000, Delay: 30, Weights: [MaxExperts]float32{1, 0.5}, SRH: h}

	b := MarshalEntry(e)
	require.Len(t, b, EntrySize)

	off := entryPathsOffset + 2*PathRecordSize
	assert.Equal(t, uint32(2), order.Uint32(b[off:]))
	assert.Equal(t, uint32(1), order.Uint32(b[off+4:]))
	assert.Equal(t, h.Marshal(), b[off+recordSRHOffset:off+recordSRHOffset+h.Len()])

	got, err := UnmarshalEntry(b)
	require.NoError(t, err)
	assert.Equal(t, e.Destination, got.Destination)
	assert.Equal(t, e.MaxReward, got.MaxReward)
	assert.Equal(t, e.ExpertWeights, got.ExpertWeights)
	assert.Equal(t, e.LastChosen, got.LastChosen)
	assert.Equal(t, e.Paths[2].Weights, got.Paths[2].Weights)
	assert.Equal(t, e.Paths[2].Bandwidth, got.Paths[2].Bandwidth)
	assert.Nil(t, got.Paths[0].SRH)
	assert.Equal(t, h.Key(), got.Paths[2].SRH.Key())
}

func TestUnmarshalEntryShort(t *testing.T) {
	_, err := UnmarshalEntry(make([]byte, EntrySize-1))
	assert.Error(t, err)
}
