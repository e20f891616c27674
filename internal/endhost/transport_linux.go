//go:build linux

package endhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"firestige.xyz/srte/internal/srh"
)

// Dial implements Dialer.
func (d TCPDialer) Dial(ctx context.Context, h *srh.Header) (PathConn, error) {
	route := h.Marshal()
	nd := net.Dialer{
		Timeout: d.Timeout,
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				serr = setRoute(int(fd), route)
				if serr == nil {
					serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 1)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	c, err := nd.DialContext(ctx, "tcp6", d.Server.String())
	if err != nil {
		return nil, err
	}
	tc := c.(*net.TCPConn)
	if err := tc.SetNoDelay(true); err != nil {
		tc.Close()
		return nil, err
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		tc.Close()
		return nil, err
	}
	return &tcpConn{TCPConn: tc, raw: rc}, nil
}

type tcpConn struct {
	*net.TCPConn
	raw syscall.RawConn
}

func (c *tcpConn) Write(b []byte) (int, error) {
	n, err := c.TCPConn.Write(b)
	if errors.Is(err, unix.EPROTO) {
		return n, fmt.Errorf("%w: %v", ErrPathOffered, err)
	}
	return n, err
}

func (c *tcpConn) RTT() (time.Duration, error) {
	var (
		info *unix.TCPInfo
		gerr error
	)
	if err := c.raw.Control(func(fd uintptr) {
		info, gerr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return 0, err
	}
	if gerr != nil {
		return 0, gerr
	}
	return time.Duration(info.Rtt) * time.Microsecond, nil
}

func (c *tcpConn) SetRoute(h *srh.Header) error {
	route := h.Marshal()
	var serr error
	if err := c.raw.Control(func(fd uintptr) { serr = setRoute(int(fd), route) }); err != nil {
		return err
	}
	return serr
}

func (c *tcpConn) OfferedRoute() (*srh.Header, error) {
	buf := make([]byte, srh.MaxLen)
	n := uint32(len(buf))
	var errno syscall.Errno
	if err := c.raw.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall6(unix.SYS_GETSOCKOPT, fd, unix.IPPROTO_IPV6, unix.IPV6_RTHDR,
			uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&n)), 0)
	}); err != nil {
		return nil, err
	}
	if errno != 0 {
		return nil, errno
	}
	return srh.Decode(buf[:n])
}

func setRoute(fd int, route []byte) error {
	return unix.SetsockoptString(fd, unix.IPPROTO_IPV6, unix.IPV6_RTHDR, string(route))
}
