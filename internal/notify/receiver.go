package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

const maxDatagram = 1500

// OfferHandler consumes parsed offers.
type OfferHandler interface {
	HandleOffer(ctx context.Context, o Offer)
}

// OfferHandlerFunc adapts a function to OfferHandler.
type OfferHandlerFunc func(ctx context.Context, o Offer)

func (f OfferHandlerFunc) HandleOffer(ctx context.Context, o Offer) { f(ctx, o) }

// Receiver listens for offers in the configured forms and passes every
// well-formed one to its handler. Malformed messages are logged and dropped.
type Receiver struct {
	cfg     config.NotifyConfig
	handler OfferHandler
	logger  log.Logger

	udp  net.PacketConn
	icmp *icmp.PacketConn
}

// NewReceiver creates a receiver; Listen opens its sockets.
func NewReceiver(cfg config.NotifyConfig, handler OfferHandler, logger log.Logger) *Receiver {
	return &Receiver{cfg: cfg, handler: handler, logger: logger.WithField("component", "notify-receiver")}
}

// Listen opens the sockets on listenAddr, or on every address when empty.
// A zero port picks an ephemeral one.
func (r *Receiver) Listen(listenAddr string) error {
	port := r.cfg.Port
	mode := r.cfg.Mode
	if mode == ModeUDP || mode == ModeBoth {
		c, err := net.ListenPacket("udp6", net.JoinHostPort(listenAddr, strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("%w: listen udp: %v", core.ErrTransport, err)
		}
		r.udp = c
	}
	if mode == ModeICMP || mode == ModeBoth {
		if listenAddr == "" {
			listenAddr = "::"
		}
		c, err := icmp.ListenPacket("ip6:ipv6-icmp", listenAddr)
		if err != nil {
			r.close()
			return fmt.Errorf("%w: listen icmp: %v", core.ErrTransport, err)
		}
		var f ipv6.ICMPFilter
		f.SetAll(true)
		f.Accept(ICMPTypePathOffer)
		if err := c.IPv6PacketConn().SetICMPFilter(&f); err != nil {
			r.logger.WithError(err).Warn("icmp filter not installed")
		}
		r.icmp = c
	}
	if r.udp == nil && r.icmp == nil {
		return fmt.Errorf("%w: notify mode %q", core.ErrConfigInvalid, mode)
	}
	return nil
}

// Addr returns the bound UDP address, or nil.
func (r *Receiver) Addr() net.Addr {
	if r.udp == nil {
		return nil
	}
	return r.udp.LocalAddr()
}

// Run reads until ctx is done. Listen must have succeeded.
func (r *Receiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if r.udp != nil {
		g.Go(func() error { return r.loop(ctx, ModeUDP, r.udp, ParseDatagram) })
	}
	if r.icmp != nil {
		g.Go(func() error { return r.loop(ctx, ModeICMP, r.icmp, ParseICMP) })
	}
	g.Go(func() error {
		<-ctx.Done()
		r.close()
		return nil
	})
	return g.Wait()
}

func (r *Receiver) loop(ctx context.Context, mode string, conn net.PacketConn, parse func([]byte) (Offer, error)) error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read %s: %v", core.ErrTransport, mode, err)
		}
		o, err := parse(buf[:n])
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("received", mode, "rejected").Inc()
			r.logger.WithError(err).WithField("from", from).WithField("mode", mode).Warn("dropping malformed offer")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("received", mode, "ok").Inc()
		r.logger.WithField("from", from).WithField("flow", o.Tuple).WithField("path", o.Header.Key()).Debug("offer received")
		r.handler.HandleOffer(ctx, o)
	}
}

func (r *Receiver) close() {
	if r.udp != nil {
		_ = r.udp.Close()
	}
	if r.icmp != nil {
		_ = r.icmp.Close()
	}
}
