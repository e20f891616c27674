package pathtable

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/srh"
)

// Fast-path record layout, host byte order, matching the data plane's C structs:
//
//	struct path_record {          // 200 bytes
//		__u32 srh_id;             //   0
//		__u32 is_valid;           //   4
//		__u64 bandwidth;          //   8
//		__u64 delay;              //  16
//		float weights[2];         //  24
//		__u8  srh[8 + 16*10];     //  32
//	};
//
//	struct dest_entry {           // 840 bytes
//		__u8  dest[16];           //   0
//		__u32 max_reward;         //  16
//		__u32 pad;                //  20
//		struct path_record srhs[4]; //  24
//		float expert_weights[2];  // 824
//		__u32 last_chosen;        // 832
//		__u32 pad2;               // 836
//	};
const (
	PathRecordSize = 32 + srh.MaxLen
	EntrySize      = 24 + MaxPathsPerDest*PathRecordSize + 4*MaxExperts + 8

	recordSRHOffset     = 32
	entryPathsOffset    = 24
	entryWeightsOffset  = entryPathsOffset + MaxPathsPerDest*PathRecordSize
	entryLastChosenOffs = entryWeightsOffset + 4*MaxExperts
)

var order = binary.NativeEndian

// MarshalEntry serializes a destination entry into its fixed-size fast-path form.
func MarshalEntry(e *DestinationEntry) []byte {
	b := make([]byte, EntrySize)
	dst := e.Destination.As16()
	copy(b[0:16], dst[:])
	order.PutUint32(b[16:20], e.MaxReward)

	for i := range e.Paths {
		off := entryPathsOffset + i*PathRecordSize
		marshalRecord(b[off:off+PathRecordSize], &e.Paths[i])
	}

	for i, w := range e.ExpertWeights {
		order.PutUint32(b[entryWeightsOffset+4*i:], math.Float32bits(w))
	}
	order.PutUint32(b[entryLastChosenOffs:], e.LastChosen)
	return b
}

func marshalRecord(b []byte, r *PathRecord) {
	order.PutUint32(b[0:4], uint32(r.ID))
	if r.Valid {
		order.PutUint32(b[4:8], 1)
	}
	order.PutUint64(b[8:16], r.Bandwidth)
	order.PutUint64(b[16:24], r.Delay)
	for i, w := range r.Weights {
		order.PutUint32(b[24+4*i:], math.Float32bits(w))
	}
	if r.SRH != nil {
		r.SRH.MarshalTo(b[recordSRHOffset:])
	}
}

// UnmarshalEntry parses the fast-path form of a destination entry.
// Slots whose SRH area is all zero decode with a nil SRH.
func UnmarshalEntry(b []byte) (*DestinationEntry, error) {
	if len(b) < EntrySize {
		return nil, fmt.Errorf("%w: destination entry is %d bytes, want %d", core.ErrPacketTooShort, len(b), EntrySize)
	}
	e := &DestinationEntry{
		Destination: netip.AddrFrom16([16]byte(b[0:16])),
		MaxReward:   order.Uint32(b[16:20]),
		LastChosen:  order.Uint32(b[entryLastChosenOffs:]),
	}
	for i := range e.ExpertWeights {
		e.ExpertWeights[i] = math.Float32frombits(order.Uint32(b[entryWeightsOffset+4*i:]))
	}
	for i := range e.Paths {
		off := entryPathsOffset + i*PathRecordSize
		r, err := unmarshalRecord(b[off : off+PathRecordSize])
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		e.Paths[i] = r
	}
	return e, nil
}

func unmarshalRecord(b []byte) (PathRecord, error) {
	r := PathRecord{
		ID:        PathID(order.Uint32(b[0:4])),
		Valid:     order.Uint32(b[4:8]) != 0,
		Bandwidth: order.Uint64(b[8:16]),
		Delay:     order.Uint64(b[16:24]),
	}
	for i := range r.Weights {
		r.Weights[i] = math.Float32frombits(order.Uint32(b[24+4*i:]))
	}
	if b[recordSRHOffset+1] == 0 {
		return r, nil
	}
	h, err := srh.Decode(b[recordSRHOffset:])
	if err != nil {
		return r, err
	}
	r.SRH = h
	return r, nil
}
