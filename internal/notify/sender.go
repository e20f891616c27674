package notify

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/icmp"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

const (
	ModeUDP  = "udp"
	ModeICMP = "icmp"
	ModeBoth = "both"
)

// packetWriter is the sending half of a packet socket.
type packetWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

// Sender delivers offers to the source host of a flow. Delivery is
// best-effort: nothing is acknowledged or retried.
type Sender struct {
	port   int
	udp    packetWriter
	icmp   packetWriter
	logger log.Logger
}

// NewSender opens the sockets cfg.Mode needs. The ICMP form requires a raw
// socket and therefore CAP_NET_RAW.
func NewSender(cfg config.NotifyConfig, logger log.Logger) (*Sender, error) {
	s := &Sender{port: cfg.Port, logger: logger.WithField("component", "notify-sender")}
	if s.port == 0 {
		s.port = Port
	}
	if cfg.Mode == ModeUDP || cfg.Mode == ModeBoth {
		c, err := net.ListenPacket("udp6", "[::]:0")
		if err != nil {
			return nil, fmt.Errorf("%w: udp socket: %v", core.ErrTransport, err)
		}
		s.udp = c
	}
	if cfg.Mode == ModeICMP || cfg.Mode == ModeBoth {
		c, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: icmp socket: %v", core.ErrTransport, err)
		}
		s.icmp = c
	}
	if s.udp == nil && s.icmp == nil {
		return nil, fmt.Errorf("%w: notify mode %q", core.ErrConfigInvalid, cfg.Mode)
	}
	return s, nil
}

// Send delivers o to o.Tuple.Src in every configured form. It fails only
// when no form could be sent.
func (s *Sender) Send(_ context.Context, o Offer) error {
	var errs []error
	sent := false
	if s.udp != nil {
		if err := s.sendUDP(o); err != nil {
			errs = append(errs, err)
		} else {
			sent = true
		}
	}
	if s.icmp != nil {
		if err := s.sendICMP(o); err != nil {
			errs = append(errs, err)
		} else {
			sent = true
		}
	}
	if !sent {
		return errors.Join(errs...)
	}
	return nil
}

func (s *Sender) sendUDP(o Offer) error {
	b, err := MarshalDatagram(o)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("sent", ModeUDP, "error").Inc()
		return err
	}
	addr := &net.UDPAddr{IP: o.Tuple.Src.AsSlice(), Port: s.port}
	if _, err := s.udp.WriteTo(b, addr); err != nil {
		metrics.NotificationsTotal.WithLabelValues("sent", ModeUDP, "error").Inc()
		return fmt.Errorf("%w: udp offer to %s: %v", core.ErrTransport, addr, err)
	}
	metrics.NotificationsTotal.WithLabelValues("sent", ModeUDP, "ok").Inc()
	s.logger.WithField("flow", o.Tuple).WithField("path", o.Header.Key()).Debug("udp offer sent")
	return nil
}

func (s *Sender) sendICMP(o Offer) error {
	b, err := MarshalICMP(o)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("sent", ModeICMP, "error").Inc()
		return err
	}
	addr := &net.IPAddr{IP: o.Tuple.Src.AsSlice()}
	if _, err := s.icmp.WriteTo(b, addr); err != nil {
		metrics.NotificationsTotal.WithLabelValues("sent", ModeICMP, "error").Inc()
		return fmt.Errorf("%w: icmp offer to %s: %v", core.ErrTransport, addr, err)
	}
	metrics.NotificationsTotal.WithLabelValues("sent", ModeICMP, "ok").Inc()
	s.logger.WithField("flow", o.Tuple).WithField("path", o.Header.Key()).Debug("icmp offer sent")
	return nil
}

// Close releases the sockets.
func (s *Sender) Close() error {
	var errs []error
	if s.udp != nil {
		errs = append(errs, s.udp.Close())
	}
	if s.icmp != nil {
		errs = append(errs, s.icmp.Close())
	}
	return errors.Join(errs...)
}
