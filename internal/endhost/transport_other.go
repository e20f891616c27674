//go:build !linux

package endhost

import (
	"context"
	"errors"

	"firestige.xyz/srte/internal/srh"
)

// Dial implements Dialer. Routing header socket options are Linux only.
func (d TCPDialer) Dial(context.Context, *srh.Header) (PathConn, error) {
	return nil, errors.ErrUnsupported
}
