package endhost

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"firestige.xyz/srte/internal/srh"
)

// ErrPathOffered is reported by PathConn.Write when the kernel signalled
// that a router offered another routing header for the connection.
var ErrPathOffered = errors.New("endhost: path offered")

// PathConn is a connection to the server pinned to one routing header.
type PathConn interface {
	Write(b []byte) (int, error)
	// RTT returns the smoothed round trip time the transport reports.
	RTT() (time.Duration, error)
	// SetRoute replaces the routing header of the connection in place.
	SetRoute(h *srh.Header) error
	// OfferedRoute returns the header a router offered, after Write
	// reported ErrPathOffered.
	OfferedRoute() (*srh.Header, error)
	Close() error
}

// Dialer opens connections to the server carrying a routing header.
type Dialer interface {
	Dial(ctx context.Context, h *srh.Header) (PathConn, error)
}

// TCPDialer dials TCP connections to Server with the routing header set as
// a socket option before connecting.
type TCPDialer struct {
	Server  netip.AddrPort
	Timeout time.Duration
}
