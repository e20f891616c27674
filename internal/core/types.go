// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers used across packages.
const (
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
	ProtoICMP uint8 = 58
)

// ConnectionTuple identifies one flow. The SRH reference is the header
// currently applied to the flow (nil when the flow is unrouted).
type ConnectionTuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8

	// Raw SRH bytes currently applied, owned by the tuple.
	SRH []byte
}

// Key returns a stable string identity for the flow, ignoring the SRH.
func (t ConnectionTuple) Key() string {
	return fmt.Sprintf("%s:%d-%s:%d/%d", t.Src, t.SrcPort, t.Dst, t.DstPort, t.Proto)
}

// String implements fmt.Stringer.
func (t ConnectionTuple) String() string {
	return fmt.Sprintf("[%s]:%d -> [%s]:%d", t.Src, t.SrcPort, t.Dst, t.DstPort)
}
