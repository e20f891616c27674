// Package notify carries path offers from routers to end hosts, either as a
// UDP datagram or as an ICMPv6 message.
package notify

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/srh"
)

const (
	// Port is the well-known UDP port of the datagram form.
	Port = 5000

	TrailerType = 1
	TrailerLen  = 40

	// ICMPTypePathOffer is the ICMPv6 type of the ICMP form.
	ICMPTypePathOffer = ipv6.ICMPType(5)

	// ContextLen is the number of triggering packet bytes in an ICMP offer.
	ContextLen = 48

	icmpPrefixLen  = 4
	ipv6HeaderLen  = 40
	protocolICMPv6 = 58
)

// Offer proposes a routing header for a flow.
type Offer struct {
	Tuple   core.ConnectionTuple
	Header  *srh.Header
	Flags   uint8
	Context []byte
}

// Key identifies the flow the offer is about.
func (o Offer) Key() string { return o.Tuple.Key() }

// MarshalDatagram encodes o as the routing header followed by the trailer.
func MarshalDatagram(o Offer) ([]byte, error) {
	if o.Header == nil {
		return nil, fmt.Errorf("%w: offer without header", core.ErrParse)
	}
	if !o.Tuple.Src.Is6() || !o.Tuple.Dst.Is6() {
		return nil, fmt.Errorf("%w: offer tuple %s is not ipv6", core.ErrParse, o.Tuple)
	}
	hl := o.Header.Len()
	b := make([]byte, hl+TrailerLen)
	o.Header.MarshalTo(b)

	t := b[hl:]
	t[0] = TrailerType
	t[1] = TrailerLen
	t[3] = o.Flags
	src, dst := o.Tuple.Src.As16(), o.Tuple.Dst.As16()
	copy(t[4:20], src[:])
	copy(t[20:36], dst[:])
	binary.BigEndian.PutUint16(t[36:38], o.Tuple.SrcPort)
	binary.BigEndian.PutUint16(t[38:40], o.Tuple.DstPort)
	return b, nil
}

// ParseDatagram decodes a datagram offer. The header is taken at its
// declared length and the trailer must declare exactly TrailerLen bytes.
func ParseDatagram(b []byte) (Offer, error) {
	if len(b) < srh.FixedLen {
		return Offer{}, fmt.Errorf("%w: datagram of %d bytes", core.ErrProtocolInconsistency, len(b))
	}
	h, err := srh.Decode(b)
	if err != nil {
		return Offer{}, err
	}
	t := b[h.Len():]
	if len(t) < TrailerLen {
		return Offer{}, fmt.Errorf("%w: trailer of %d bytes", core.ErrProtocolInconsistency, len(t))
	}
	if t[1] != TrailerLen {
		return Offer{}, fmt.Errorf("%w: trailer declares %d bytes, want %d", core.ErrProtocolInconsistency, t[1], TrailerLen)
	}
	if t[0] != TrailerType {
		return Offer{}, fmt.Errorf("%w: trailer type %d", core.ErrParse, t[0])
	}

	o := Offer{Header: h, Flags: t[3]}
	o.Tuple.Src = netip.AddrFrom16([16]byte(t[4:20]))
	o.Tuple.Dst = netip.AddrFrom16([16]byte(t[20:36]))
	o.Tuple.SrcPort = binary.BigEndian.Uint16(t[36:38])
	o.Tuple.DstPort = binary.BigEndian.Uint16(t[38:40])
	o.Tuple.SRH = h.Marshal()
	return o, nil
}

// MarshalICMP encodes o as an ICMPv6 path offer. The body is the header
// offset, a reserved word, ContextLen bytes of the triggering packet and the
// routing header. The checksum is left to the kernel.
func MarshalICMP(o Offer) ([]byte, error) {
	if o.Header == nil {
		return nil, fmt.Errorf("%w: offer without header", core.ErrParse)
	}
	body := make([]byte, icmpPrefixLen+ContextLen+o.Header.Len())
	binary.BigEndian.PutUint16(body[0:2], ContextLen)
	copy(body[icmpPrefixLen:icmpPrefixLen+ContextLen], o.Context)
	o.Header.MarshalTo(body[icmpPrefixLen+ContextLen:])

	m := icmp.Message{
		Type: ICMPTypePathOffer,
		Code: 0,
		Body: &icmp.DefaultMessageBody{Data: body},
	}
	return m.Marshal(nil)
}

// ParseICMP decodes an ICMPv6 path offer. The flow tuple is recovered from
// the triggering packet context. The final destination comes from slot 0 of
// the offered header, since the context of a routed packet carries the next
// waypoint as its destination. Ports of a routed packet lie past the context
// and stay zero.
func ParseICMP(b []byte) (Offer, error) {
	m, err := icmp.ParseMessage(protocolICMPv6, b)
	if err != nil {
		return Offer{}, fmt.Errorf("%w: icmp: %v", core.ErrParse, err)
	}
	if m.Type != ICMPTypePathOffer || m.Code != 0 {
		return Offer{}, fmt.Errorf("%w: icmp type %v code %d", core.ErrParse, m.Type, m.Code)
	}
	body, ok := m.Body.(*icmp.DefaultMessageBody)
	if !ok {
		return Offer{}, fmt.Errorf("%w: icmp body %T", core.ErrParse, m.Body)
	}
	data := body.Data
	if len(data) < icmpPrefixLen {
		return Offer{}, fmt.Errorf("%w: icmp body of %d bytes", core.ErrProtocolInconsistency, len(data))
	}
	idx := int(binary.BigEndian.Uint16(data[0:2]))
	if idx < ipv6HeaderLen || len(data) < icmpPrefixLen+idx+srh.FixedLen {
		return Offer{}, fmt.Errorf("%w: header offset %d in %d bytes", core.ErrProtocolInconsistency, idx, len(data))
	}
	ctx := data[icmpPrefixLen : icmpPrefixLen+idx]
	h, err := srh.Decode(data[icmpPrefixLen+idx:])
	if err != nil {
		return Offer{}, err
	}

	o := Offer{Header: h, Context: append([]byte(nil), ctx...)}
	o.Tuple = tupleFromContext(ctx)
	if final := h.Destination(); final.IsValid() && !final.IsUnspecified() {
		o.Tuple.Dst = final
	}
	if o.Tuple.Proto != core.ProtoTCP && o.Tuple.Proto != core.ProtoUDP && h.NextHeader != 0 {
		o.Tuple.Proto = h.NextHeader
	}
	o.Tuple.SRH = h.Marshal()
	return o, nil
}

// tupleFromContext reads addresses and, for TCP and UDP without extension
// headers, ports from the start of the triggering packet.
func tupleFromContext(ctx []byte) core.ConnectionTuple {
	var t core.ConnectionTuple
	t.Src = netip.AddrFrom16([16]byte(ctx[8:24]))
	t.Dst = netip.AddrFrom16([16]byte(ctx[24:40]))
	t.Proto = ctx[6]
	if (t.Proto == core.ProtoTCP || t.Proto == core.ProtoUDP) && len(ctx) >= ipv6HeaderLen+4 {
		t.SrcPort = binary.BigEndian.Uint16(ctx[40:42])
		t.DstPort = binary.BigEndian.Uint16(ctx[42:44])
	}
	return t
}
