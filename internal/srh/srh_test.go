package srh

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/srte/internal/core"
)

func addrs(n int) []netip.Addr {
	out := make([]netip.Addr, n)
	for i := range out {
		out[i] = netip.MustParseAddr(fmt.Sprintf("fc00::%x", i+1))
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	dst := netip.MustParseAddr("2001:db8::2")
	for n := 0; n < MaxSegments; n++ {
		for _, reversed := range []bool{false, true} {
			t.Run(fmt.Sprintf("n=%d/reversed=%v", n, reversed), func(t *testing.T) {
				wps := addrs(n)
				h, err := Build(dst, wps, reversed)
				require.NoError(t, err)

				b := h.Marshal()
				assert.Len(t, b, FixedLen+SegmentLen*(n+1))
				assert.Equal(t, (int(b[1])+1)*8, len(b))

				got, err := Decode(b)
				require.NoError(t, err)
				assert.Equal(t, uint8(n), got.SegmentsLeft)
				assert.Equal(t, uint8(n), got.FirstSegment)
				assert.Equal(t, dst, got.Destination())

				want := slices.Clone(wps)
				if reversed {
					slices.Reverse(want)
				}
				if n == 0 {
					want = nil
				}
				assert.Equal(t, want, got.Waypoints())
				assert.Equal(t, h.Key(), got.Key())
			})
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	b, err := Encode([]string{"fc00::1", "fc00::2"}, false)
	require.NoError(t, err)
	require.Len(t, b, 56)

	assert.Equal(t, byte(6), b[1], "hdrlen")
	assert.Equal(t, byte(RoutingType), b[2])
	assert.Equal(t, byte(2), b[3], "segments_left")
	assert.Equal(t, byte(2), b[4], "first_segment")
	assert.Equal(t, make([]byte, 16), b[8:24], "destination slot is zeroed")

	// Not reversed: last listed segment sits at index 1, first listed at the top.
	assert.Equal(t, netip.MustParseAddr("fc00::2").AsSlice(), b[24:40])
	assert.Equal(t, netip.MustParseAddr("fc00::1").AsSlice(), b[40:56])

	r, err := Encode([]string{"fc00::1", "fc00::2"}, true)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("fc00::1").AsSlice(), r[24:40])
	assert.Equal(t, netip.MustParseAddr("fc00::2").AsSlice(), r[40:56])
}

func TestEncodeErrors(t *testing.T) {
	_, err := Encode([]string{"fc00::1", "not-an-address"}, false)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = Encode([]string{"10.0.0.1"}, false)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	segs := make([]string, MaxSegments)
	for i := range segs {
		segs[i] = fmt.Sprintf("fc00::%x", i+1)
	}
	_, err = Encode(segs, false)
	assert.ErrorIs(t, err, ErrTooManySegments)

	_, err = Encode(segs[:MaxSegments-1], false)
	assert.NoError(t, err)
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode([]string{"fc00::1"}, false)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short fixed header", valid[:5], ErrTruncatedHeader},
		{"short segment list", valid[:20], ErrTruncatedHeader},
		{"wrong type", patch(valid, 2, 3), ErrMalformedHeader},
		{"odd hdrlen", patch(valid, 1, 3), ErrMalformedHeader},
		{"zero hdrlen", patch(valid, 1, 0), ErrMalformedHeader},
		{"first segment mismatch", patch(valid, 4, 0), ErrMalformedHeader},
		{"segments left beyond first", patch(valid, 3, 2), ErrMalformedHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.Is(err, core.ErrParse))
		})
	}
}

func TestDecodeTooManySlots(t *testing.T) {
	b := make([]byte, FixedLen+SegmentLen*(MaxSegments+1))
	b[1] = 2 * (MaxSegments + 1)
	b[2] = RoutingType
	b[3] = MaxSegments
	b[4] = MaxSegments
	_, err := Decode(b)
	assert.ErrorIs(t, err, ErrTooManySegments)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	b, err := Encode([]string{"fc00::1"}, false)
	require.NoError(t, err)
	h, err := Decode(append(b, 0xde, 0xad))
	require.NoError(t, err)
	assert.Equal(t, len(b), h.Len())
}

func TestDecodeInFlightHeader(t *testing.T) {
	h, err := Build(netip.MustParseAddr("2001:db8::2"), addrs(2), false)
	require.NoError(t, err)
	h.SegmentsLeft = 1
	got, err := Decode(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint8(1), got.SegmentsLeft)
}

func TestKeyIsDirectionAgnostic(t *testing.T) {
	wps := addrs(3)
	fwd, err := Build(netip.Addr{}, wps, false)
	require.NoError(t, err)
	rev, err := Build(netip.Addr{}, wps, true)
	require.NoError(t, err)

	assert.NotEqual(t, fwd.Marshal(), rev.Marshal())
	assert.Equal(t, fwd.Key(), rev.Key())

	other, err := Build(netip.Addr{}, addrs(2), false)
	require.NoError(t, err)
	assert.NotEqual(t, fwd.Key(), other.Key())

	mirrored := addrs(3)
	slices.Reverse(mirrored)
	assert.Equal(t, KeyOf(wps), KeyOf(mirrored), "a mirrored list is the same path")

	assert.Equal(t, Key(""), KeyOf(nil))
	assert.Equal(t, "direct", KeyOf(nil).String())
	assert.Equal(t, "fc00::1,fc00::2,fc00::3", fwd.Key().String())
}

func TestWithDestination(t *testing.T) {
	h, err := Build(netip.Addr{}, addrs(1), false)
	require.NoError(t, err)
	dst := netip.MustParseAddr("2001:db8::9")
	c := h.WithDestination(dst)
	assert.Equal(t, dst, c.Destination())
	assert.Equal(t, netip.IPv6Unspecified(), h.Destination())
}

func patch(b []byte, off int, v byte) []byte {
	c := slices.Clone(b)
	c[off] = v
	return c
}
