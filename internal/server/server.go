// Package server implements the sink the end hosts measure paths against:
// it accepts TCP connections, drains them and periodically records the
// throughput of each connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

// MaxConnections bounds the number of connections drained at once.
const MaxConnections = 1000

const readBufferSize = 64 * 1024

type sinkConn struct {
	id    uint64
	conn  net.Conn
	bytes atomic.Uint64 // since the last report
}

// Server drains connections and writes "conn bytes sec.nsec" lines.
type Server struct {
	interval time.Duration
	evalPath string
	logger   log.Logger

	ln   net.Listener
	eval io.Writer

	mu     sync.Mutex
	conns  map[uint64]*sinkConn
	nextID uint64

	now func() time.Time
}

func New(cfg config.ServerConfig, logger log.Logger) *Server {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{
		interval: interval,
		evalPath: cfg.EvalFile,
		logger:   logger.WithField("component", "server"),
		conns:    make(map[uint64]*sinkConn),
		now:      time.Now,
	}
}

// Listen binds the listening socket, e.g. "[::]:80".
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp6", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", core.ErrTransport, addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run accepts and drains connections until ctx is done. The eval file is
// truncated on start.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		return fmt.Errorf("%w: server not listening", core.ErrTransport)
	}
	if s.evalPath != "" {
		f, err := os.OpenFile(s.evalPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o660)
		if err != nil {
			s.ln.Close()
			return fmt.Errorf("open eval file: %w", err)
		}
		defer f.Close()
		s.eval = f
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		s.ln.Close()
		s.closeAll()
		return nil
	})
	g.Go(func() error { return s.accept(gctx, g) })
	if s.eval != nil {
		g.Go(func() error { return s.report(gctx) })
	}
	s.logger.Infof("sink server listening on %s", s.ln.Addr())
	err := g.Wait()
	s.logger.Info("sink server stopped")
	return err
}

func (s *Server) accept(ctx context.Context, g *errgroup.Group) error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%w: accept: %v", core.ErrTransport, err)
		}
		sc, ok := s.track(c)
		if !ok {
			s.logger.Warnf("rejecting %s: %d connections open", c.RemoteAddr(), MaxConnections)
			c.Close()
			continue
		}
		// closeAll may already have run
		if ctx.Err() != nil {
			s.untrack(sc)
			c.Close()
			return nil
		}
		g.Go(func() error {
			s.drain(sc)
			return nil
		})
	}
}

func (s *Server) track(c net.Conn) (*sinkConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) >= MaxConnections {
		return nil, false
	}
	s.nextID++
	sc := &sinkConn{id: s.nextID, conn: c}
	s.conns[sc.id] = sc
	metrics.ServerConnections.Set(float64(len(s.conns)))
	return sc, true
}

func (s *Server) untrack(sc *sinkConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sc.id)
	metrics.ServerConnections.Set(float64(len(s.conns)))
}

func (s *Server) drain(sc *sinkConn) {
	defer s.untrack(sc)
	defer sc.conn.Close()
	s.logger.Debugf("connection %d from %s", sc.id, sc.conn.RemoteAddr())
	buf := make([]byte, readBufferSize)
	for {
		n, err := sc.conn.Read(buf)
		if n > 0 {
			sc.bytes.Add(uint64(n))
			metrics.ServerBytesTotal.Add(float64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.WithError(err).Debugf("connection %d", sc.id)
			}
			return
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.conns {
		sc.conn.Close()
	}
}

func (s *Server) report(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.writeEval(s.now()); err != nil {
				s.logger.WithError(err).Warn("write eval file")
			}
		}
	}
}

// writeEval writes one line per connection that received data since the
// previous call.
func (s *Server) writeEval(now time.Time) error {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	counts := make([]uint64, len(ids))
	for i, id := range ids {
		counts[i] = s.conns[id].bytes.Swap(0)
	}
	s.mu.Unlock()

	for i, id := range ids {
		if counts[i] == 0 {
			continue
		}
		if _, err := fmt.Fprintf(s.eval, "%d %d %d.%09d\n", id, counts[i], now.Unix(), now.Nanosecond()); err != nil {
			return err
		}
	}
	return nil
}
