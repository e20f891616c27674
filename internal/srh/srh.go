// Package srh encodes and decodes IPv6 Segment Routing Headers (routing type 4).
//
// Wire layout:
//
//	0       1       2       3       4       5       6       7
//	+-------+-------+-------+-------+-------+-------+-------+-------+
//	|nexthdr|hdrlen | type=4|seg_lft|fst_seg| flags |      tag      |
//	+-------+-------+-------+-------+-------+-------+-------+-------+
//	|                segment[0] (final destination)                 |
//	|                          ...                                  |
//	|                segment[first_segment] (first hop)             |
//	+---------------------------------------------------------------+
//
// hdrlen counts 8-byte units after the first 8 bytes, so the total length
// is (hdrlen+1)*8 == 8 + 16*slots.
package srh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"firestige.xyz/srte/internal/core"
)

const (
	// RoutingType is the IPv6 routing header type of a Segment Routing Header.
	RoutingType = 4

	// FixedLen is the size of the fixed part preceding the segment list.
	FixedLen = 8

	// SegmentLen is the size of one segment slot.
	SegmentLen = 16

	// MaxSegments bounds the number of slots, destination slot included.
	MaxSegments = 10

	// MaxLen is the size of the largest encodable header.
	MaxLen = FixedLen + SegmentLen*MaxSegments
)

var (
	ErrTruncatedHeader = errors.New("srte: truncated segment routing header")
	ErrMalformedHeader = errors.New("srte: malformed segment routing header")
	ErrInvalidAddress  = errors.New("srte: invalid segment address")
	ErrTooManySegments = errors.New("srte: too many segments")
)

// Header is a decoded Segment Routing Header.
type Header struct {
	NextHeader   uint8
	SegmentsLeft uint8
	FirstSegment uint8
	Flags        uint8
	Tag          uint16

	// Segments in wire order: Segments[0] is the final destination,
	// Segments[FirstSegment] the first waypoint visited.
	Segments []netip.Addr
}

// Build lays out a header whose destination slot holds dst and whose
// waypoints are visited in list order, or in reverse list order when
// reversed is set. An invalid dst leaves the destination slot zeroed.
func Build(dst netip.Addr, waypoints []netip.Addr, reversed bool) (*Header, error) {
	n := len(waypoints)
	if n+1 > MaxSegments {
		return nil, fmt.Errorf("%w: %d waypoints, at most %d", ErrTooManySegments, n, MaxSegments-1)
	}
	if !dst.IsValid() {
		dst = netip.IPv6Unspecified()
	}
	if !dst.Is6() || dst.Is4In6() {
		return nil, fmt.Errorf("%w: destination %s", ErrInvalidAddress, dst)
	}

	segs := make([]netip.Addr, n+1)
	segs[0] = dst
	for i, w := range waypoints {
		if !w.Is6() || w.Is4In6() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, w)
		}
		if reversed {
			segs[i+1] = w
		} else {
			segs[n-i] = w
		}
	}

	return &Header{
		SegmentsLeft: uint8(n),
		FirstSegment: uint8(n),
		Segments:     segs,
	}, nil
}

// Encode parses the textual segments and returns the wire header with a
// zeroed destination slot, as the path installer authors it.
func Encode(segments []string, reversed bool) ([]byte, error) {
	addrs, err := ParseSegments(segments)
	if err != nil {
		return nil, err
	}
	h, err := Build(netip.Addr{}, addrs, reversed)
	if err != nil {
		return nil, err
	}
	return h.Marshal(), nil
}

// ParseSegments parses a list of textual IPv6 addresses.
func ParseSegments(segments []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(segments))
	for _, s := range segments {
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Is6() || a.Is4In6() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// Decode parses a header from the front of b. Bytes after the header are ignored.
func Decode(b []byte) (*Header, error) {
	if len(b) < FixedLen {
		return nil, fmt.Errorf("%w: %w: %d bytes", core.ErrParse, ErrTruncatedHeader, len(b))
	}
	if b[2] != RoutingType {
		return nil, fmt.Errorf("%w: %w: routing type %d", core.ErrParse, ErrMalformedHeader, b[2])
	}
	hdrlen := int(b[1])
	if hdrlen == 0 || hdrlen%2 != 0 {
		return nil, fmt.Errorf("%w: %w: hdrlen %d", core.ErrParse, ErrMalformedHeader, hdrlen)
	}
	total := (hdrlen + 1) * 8
	if len(b) < total {
		return nil, fmt.Errorf("%w: %w: need %d bytes, have %d", core.ErrParse, ErrTruncatedHeader, total, len(b))
	}
	slots := hdrlen / 2
	if slots > MaxSegments {
		return nil, fmt.Errorf("%w: %w: %d slots", core.ErrParse, ErrTooManySegments, slots)
	}

	h := &Header{
		NextHeader:   b[0],
		SegmentsLeft: b[3],
		FirstSegment: b[4],
		Flags:        b[5],
		Tag:          binary.BigEndian.Uint16(b[6:8]),
		Segments:     make([]netip.Addr, slots),
	}
	if int(h.FirstSegment) != slots-1 || h.SegmentsLeft > h.FirstSegment {
		return nil, fmt.Errorf("%w: %w: first_segment %d segments_left %d for %d slots",
			core.ErrParse, ErrMalformedHeader, h.FirstSegment, h.SegmentsLeft, slots)
	}
	for i := range h.Segments {
		off := FixedLen + i*SegmentLen
		h.Segments[i] = netip.AddrFrom16([16]byte(b[off : off+SegmentLen]))
	}
	return h, nil
}

// Len returns the encoded size in bytes.
func (h *Header) Len() int {
	return FixedLen + SegmentLen*len(h.Segments)
}

// Marshal returns the wire form of the header.
func (h *Header) Marshal() []byte {
	b := make([]byte, h.Len())
	h.MarshalTo(b)
	return b
}

// MarshalTo writes the wire form into b, which must hold at least Len bytes.
func (h *Header) MarshalTo(b []byte) int {
	slots := len(h.Segments)
	b[0] = h.NextHeader
	b[1] = uint8(2 * slots)
	b[2] = RoutingType
	b[3] = h.SegmentsLeft
	b[4] = h.FirstSegment
	b[5] = h.Flags
	binary.BigEndian.PutUint16(b[6:8], h.Tag)
	for i, s := range h.Segments {
		a := s.As16()
		copy(b[FixedLen+i*SegmentLen:], a[:])
	}
	return h.Len()
}

// Destination returns the final destination slot.
func (h *Header) Destination() netip.Addr {
	if len(h.Segments) == 0 {
		return netip.Addr{}
	}
	return h.Segments[0]
}

// Waypoints returns the non-destination segments in travel order.
func (h *Header) Waypoints() []netip.Addr {
	if len(h.Segments) < 2 {
		return nil
	}
	w := slices.Clone(h.Segments[1:])
	slices.Reverse(w)
	return w
}

// WithDestination returns a copy of h whose destination slot is dst.
func (h *Header) WithDestination(dst netip.Addr) *Header {
	c := h.Clone()
	if len(c.Segments) > 0 {
		c.Segments[0] = dst
	}
	return c
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := *h
	c.Segments = slices.Clone(h.Segments)
	return &c
}

// Key returns the canonical key of the header's waypoints.
func (h *Header) Key() Key {
	return KeyOf(h.Waypoints())
}

// Key identifies a path by its waypoints regardless of the direction it was
// authored in. It is comparable and owns its bytes.
type Key string

// KeyOf returns the lexicographically smaller of the waypoint byte strings in
// forward and reverse order.
func KeyOf(waypoints []netip.Addr) Key {
	fwd := make([]byte, 0, len(waypoints)*SegmentLen)
	rev := make([]byte, 0, len(waypoints)*SegmentLen)
	for _, w := range waypoints {
		a := w.As16()
		fwd = append(fwd, a[:]...)
	}
	for i := len(waypoints) - 1; i >= 0; i-- {
		a := waypoints[i].As16()
		rev = append(rev, a[:]...)
	}
	if bytes.Compare(rev, fwd) < 0 {
		return Key(rev)
	}
	return Key(fwd)
}

// String renders the key as a comma separated address list.
func (k Key) String() string {
	if len(k) == 0 {
		return "direct"
	}
	var buf bytes.Buffer
	for off := 0; off+SegmentLen <= len(k); off += SegmentLen {
		if off > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(netip.AddrFrom16([16]byte([]byte(k[off : off+SegmentLen]))).String())
	}
	return buf.String()
}

// String implements fmt.Stringer.
func (h *Header) String() string {
	return fmt.Sprintf("srh{dst=%s sl=%d path=%s}", h.Destination(), h.SegmentsLeft, KeyOf(h.Waypoints()))
}
