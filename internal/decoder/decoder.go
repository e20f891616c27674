// Package decoder classifies intercepted IPv6 packets into flow identities.
package decoder

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/srh"
)

const (
	ipv6HeaderLen = 40
	fragmentLen   = 8

	// ContextLen is how much of the triggering packet travels back in an
	// ICMP path offer.
	ContextLen = 48

	// maxExtensions bounds the extension header walk.
	maxExtensions = 8
)

// Packet is the flow identity of one intercepted packet.
type Packet struct {
	// Tuple.Dst is the final destination: the first segment slot when the
	// packet already carries a routing header. Tuple.SRH holds that header.
	Tuple core.ConnectionTuple
	// Routed is the decoded header already applied to the packet, or nil.
	Routed *srh.Header
	// Context is a copy of the leading bytes of the packet.
	Context []byte
}

// AlreadyRouted reports whether the packet carries a segment routing header.
func (p Packet) AlreadyRouted() bool { return p.Routed != nil }

// Classifier decodes packets. It reuses its layers and must not be shared
// between goroutines.
type Classifier struct {
	ip6 layers.IPv6
	tcp layers.TCP
	udp layers.UDP

	statistics
}

type statistics struct {
	packets atomic.Uint64
	routed  atomic.Uint64
	dropped atomic.Uint64
}

// Stats is a snapshot of classifier counters.
type Stats struct {
	Packets uint64
	Routed  uint64
	Dropped uint64
}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify decodes one packet with a throwaway classifier.
func Classify(data []byte) (Packet, error) {
	return NewClassifier().Classify(data)
}

// Stats returns the counters.
func (c *Classifier) Stats() Stats {
	return Stats{
		Packets: c.packets.Load(),
		Routed:  c.routed.Load(),
		Dropped: c.dropped.Load(),
	}
}

// Classify decodes an IPv6 packet starting at the network header.
func (c *Classifier) Classify(data []byte) (Packet, error) {
	c.packets.Add(1)
	p, err := c.classify(data)
	if err != nil {
		c.dropped.Add(1)
		return Packet{}, err
	}
	if p.Routed != nil {
		c.routed.Add(1)
	}
	return p, nil
}

func (c *Classifier) classify(data []byte) (Packet, error) {
	if len(data) < ipv6HeaderLen {
		return Packet{}, core.ErrPacketTooShort
	}
	if data[0]>>4 != 6 {
		return Packet{}, fmt.Errorf("%w: ip version %d", core.ErrUnsupportedProto, data[0]>>4)
	}
	if err := c.ip6.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return Packet{}, fmt.Errorf("%w: ipv6: %v", core.ErrParse, err)
	}

	var p Packet
	p.Tuple.Src, _ = netip.AddrFromSlice(c.ip6.SrcIP)
	p.Tuple.Dst, _ = netip.AddrFromSlice(c.ip6.DstIP)
	p.Context = append([]byte(nil), data[:min(len(data), ContextLen)]...)

	payload := data[ipv6HeaderLen:]
	if n := int(binary.BigEndian.Uint16(data[4:6])); n > 0 && n < len(payload) {
		payload = payload[:n]
	}

	next := data[6]
	for i := 0; ; i++ {
		if i == maxExtensions {
			return Packet{}, fmt.Errorf("%w: extension header chain too long", core.ErrParse)
		}
		switch layers.IPProtocol(next) {
		case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Destination:
			n, err := extensionLen(payload)
			if err != nil {
				return Packet{}, err
			}
			next, payload = payload[0], payload[n:]
			continue
		case layers.IPProtocolIPv6Routing:
			n, err := extensionLen(payload)
			if err != nil {
				return Packet{}, err
			}
			if payload[2] == srh.RoutingType && p.Routed == nil {
				h, err := srh.Decode(payload[:n])
				if err != nil {
					return Packet{}, err
				}
				p.Routed = h
				p.Tuple.SRH = append([]byte(nil), payload[:n]...)
				if final := h.Destination(); final.IsValid() && !final.IsUnspecified() {
					p.Tuple.Dst = final
				}
			}
			next, payload = payload[0], payload[n:]
			continue
		case layers.IPProtocolIPv6Fragment:
			if len(payload) < fragmentLen {
				return Packet{}, core.ErrPacketTooShort
			}
			if binary.BigEndian.Uint16(payload[2:4])&0xfff8 != 0 {
				return Packet{}, fmt.Errorf("%w: non-first fragment", core.ErrUnsupportedProto)
			}
			next, payload = payload[0], payload[fragmentLen:]
			continue
		}
		break
	}

	switch next {
	case core.ProtoTCP:
		if err := c.tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return Packet{}, fmt.Errorf("%w: tcp: %v", core.ErrPacketTooShort, err)
		}
		p.Tuple.SrcPort, p.Tuple.DstPort = uint16(c.tcp.SrcPort), uint16(c.tcp.DstPort)
	case core.ProtoUDP:
		if err := c.udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return Packet{}, fmt.Errorf("%w: udp: %v", core.ErrPacketTooShort, err)
		}
		p.Tuple.SrcPort, p.Tuple.DstPort = uint16(c.udp.SrcPort), uint16(c.udp.DstPort)
	default:
		return Packet{}, fmt.Errorf("%w: next header %d", core.ErrUnsupportedProto, next)
	}
	p.Tuple.Proto = next
	return p, nil
}

// extensionLen returns the length of the generic extension header at the
// start of b, whose second byte counts 8-byte units after the first 8.
func extensionLen(b []byte) (int, error) {
	if len(b) < 8 {
		return 0, core.ErrPacketTooShort
	}
	n := (int(b[1]) + 1) * 8
	if len(b) < n {
		return 0, core.ErrPacketTooShort
	}
	return n, nil
}
