package srdb

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/srte/internal/core"
)

func TestDecodeRow(t *testing.T) {
	row, err := DecodeRow(map[string]interface{}{
		"uuid":     "5e1c",
		"addr1":    "fc00::1",
		"addr2":    "fc00::2",
		"prefixes": `[[{"address":"2001:db8:1::5","prefixlen":48}],[{"address":"2001:db8:2::","prefixlen":64}]]`,
		"segments": `[["fc00::a","fc00::b"],[]]`,
		"bw":       float64(1000),
		"delay":    "25",
	})
	require.NoError(t, err)

	assert.Equal(t, "5e1c", row.UUID)
	assert.Equal(t, netip.MustParseAddr("fc00::1"), row.Addr1)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("2001:db8:1::/48")}, row.Prefixes[0])
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("2001:db8:2::/64")}, row.Prefixes[1])
	assert.Equal(t, [][]string{{"fc00::a", "fc00::b"}, {}}, row.Segments)
	assert.Equal(t, uint64(1000), row.Bandwidth)
	assert.Equal(t, uint64(25), row.Delay)
}

func TestDecodeRowNativeLists(t *testing.T) {
	row, err := DecodeRow(map[string]interface{}{
		"uuid":  "r1-r2",
		"addr1": "fc00::1",
		"prefixes": []interface{}{
			[]interface{}{map[string]interface{}{"address": "2001:db8:1::", "prefixlen": 48}},
		},
		"segments": []interface{}{[]interface{}{"fc00::a"}},
		"bw":       1000,
	})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("2001:db8:1::/48")}, row.Prefixes[0])
	assert.Empty(t, row.Prefixes[1])
	assert.Equal(t, [][]string{{"fc00::a"}}, row.Segments)
	assert.Equal(t, uint64(1000), row.Bandwidth)

	row, err = DecodeRow(map[string]interface{}{"uuid": "empty", "prefixes": "", "segments": ""})
	require.NoError(t, err)
	assert.Empty(t, row.Segments)
}

func TestDecodeRowErrors(t *testing.T) {
	tests := []struct {
		name    string
		columns map[string]interface{}
	}{
		{"bad prefixes json", map[string]interface{}{"prefixes": `[[{`}},
		{"bad segments json", map[string]interface{}{"segments": `{"a":1}`}},
		{"bad router address", map[string]interface{}{"addr1": "router-1"}},
		{"bad prefix address", map[string]interface{}{"prefixes": `[[{"address":"nope","prefixlen":48}]]`}},
		{"bad prefix length", map[string]interface{}{"prefixes": `[[{"address":"2001:db8::","prefixlen":129}]]`}},
		{"three sides", map[string]interface{}{"prefixes": `[[],[],[]]`}},
		{"bw not a number", map[string]interface{}{"bw": "fast"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRow(tt.columns)
			assert.ErrorIs(t, err, core.ErrParse)
		})
	}
}
