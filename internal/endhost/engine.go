// Package endhost keeps one connection to the server per known path,
// measures each of them and moves the primary connection onto the fastest.
package endhost

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
	"firestige.xyz/srte/internal/notify"
	"firestige.xyz/srte/internal/reporter"
	"firestige.xyz/srte/internal/srh"
)

// Defaults applied to zero configuration values.
const (
	DefaultProbeInterval  = 100 * time.Microsecond
	DefaultProbeBurst     = 15
	DefaultProbeSize      = 1024
	DefaultSwitchInterval = 100 * time.Microsecond
	DefaultHysteresis     = time.Millisecond
)

type entry struct {
	key    srh.Key
	header *srh.Header
	conn   PathConn
	rtt    atomic.Int64 // ns, 0 until the first sample
}

// Engine owns the primary connection and one probe connection per path.
type Engine struct {
	server         netip.AddrPort
	probeInterval  time.Duration
	probeBurst     int
	probeSize      int
	switchInterval time.Duration
	hysteresis     time.Duration

	dialer   Dialer
	reporter reporter.Reporter
	logger   log.Logger

	mu      sync.RWMutex
	entries map[srh.Key]*entry
	pending map[srh.Key]struct{}
	active  *entry
	primary PathConn
	group   *errgroup.Group
	ctx     context.Context
	running bool
}

// New validates cfg and returns an idle engine.
func New(cfg config.EndhostConfig, dialer Dialer, rep reporter.Reporter, logger log.Logger) (*Engine, error) {
	addr, err := netip.ParseAddr(cfg.ServerAddr)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return nil, fmt.Errorf("%w: server address %q", core.ErrConfigInvalid, cfg.ServerAddr)
	}
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("%w: server port %d", core.ErrConfigInvalid, cfg.ServerPort)
	}
	if rep == nil {
		rep = reporter.Nop{}
	}
	e := &Engine{
		server:         netip.AddrPortFrom(addr, uint16(cfg.ServerPort)),
		probeInterval:  orDefault(cfg.ProbeInterval, DefaultProbeInterval),
		probeBurst:     cfg.ProbeBurst,
		probeSize:      cfg.ProbeSize,
		switchInterval: orDefault(cfg.SwitchInterval, DefaultSwitchInterval),
		hysteresis:     orDefault(cfg.Hysteresis, DefaultHysteresis),
		dialer:         dialer,
		reporter:       rep,
		logger:         logger.WithField("component", "endhost"),
		entries:        make(map[srh.Key]*entry),
		pending:        make(map[srh.Key]struct{}),
	}
	if e.probeBurst <= 0 {
		e.probeBurst = DefaultProbeBurst
	}
	if e.probeSize <= 0 {
		e.probeSize = DefaultProbeSize
	}
	return e, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Server returns the address every connection is dialed to.
func (e *Engine) Server() netip.AddrPort { return e.server }

// Run dials the primary connection on the direct route and keeps every
// path measured until ctx is done. Failing to reach the server at start is
// fatal. On return every connection is closed and the table is empty.
func (e *Engine) Run(ctx context.Context) error {
	direct, err := srh.Build(e.server.Addr(), nil, false)
	if err != nil {
		return err
	}
	primary, err := e.dialer.Dial(ctx, direct)
	if err != nil {
		return fmt.Errorf("%w: primary connection to %s: %v", core.ErrTransport, e.server, err)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(rctx)
	e.mu.Lock()
	e.primary = primary
	e.group = g
	e.ctx = gctx
	e.running = true
	e.mu.Unlock()

	g.Go(func() error {
		<-gctx.Done()
		e.shutdown()
		return nil
	})

	if err := e.AddPath(gctx, direct); err != nil {
		cancel()
		g.Wait()
		e.reset()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: direct probe connection to %s: %v", core.ErrTransport, e.server, err)
	}
	e.logger.Infof("primary connection to %s established", e.server)

	g.Go(func() error { return e.switchLoop(gctx) })
	g.Go(func() error { return e.trafficLoop(gctx, primary) })

	err = g.Wait()
	e.reset()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// shutdown closes every connection so blocked writers return.
func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	if e.primary != nil {
		e.primary.Close()
	}
	for _, ent := range e.entries {
		ent.conn.Close()
	}
}

func (e *Engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.entries)
	clear(e.pending)
	e.active = nil
	e.primary = nil
	e.group = nil
	metrics.ProbedPaths.Set(0)
}

// AddPath opens a probe connection for h unless its path is already known
// or being dialed. The first path added becomes the active one.
func (e *Engine) AddPath(ctx context.Context, h *srh.Header) error {
	h = h.WithDestination(e.server.Addr())
	key := h.Key()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine not running", core.ErrTransport)
	}
	if _, ok := e.entries[key]; ok {
		e.mu.Unlock()
		return nil
	}
	if _, ok := e.pending[key]; ok {
		e.mu.Unlock()
		return nil
	}
	e.pending[key] = struct{}{}
	e.mu.Unlock()

	conn, err := e.dialer.Dial(ctx, h)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, key)
	if err != nil {
		return fmt.Errorf("%w: dial path %s: %v", core.ErrTransport, key, err)
	}
	if !e.running {
		conn.Close()
		return fmt.Errorf("%w: engine not running", core.ErrTransport)
	}
	ent := &entry{key: key, header: h, conn: conn}
	e.entries[key] = ent
	if e.active == nil {
		e.active = ent
	}
	metrics.ProbedPaths.Set(float64(len(e.entries)))
	gctx := e.ctx
	e.group.Go(func() error { return e.probeLoop(gctx, ent) })
	e.logger.WithField("path", key.String()).Info("probing path")
	return nil
}

// HandleOffer adds the offered path when the offer concerns a connection
// to the server. It never blocks on dialing.
func (e *Engine) HandleOffer(_ context.Context, o notify.Offer) {
	if o.Tuple.Dst != e.server.Addr() || (o.Tuple.DstPort != 0 && o.Tuple.DstPort != e.server.Port()) {
		e.logger.Debugf("ignoring offer for %s", o.Tuple)
		return
	}
	e.spawnAdd(o.Header)
}

func (e *Engine) spawnAdd(h *srh.Header) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		return
	}
	gctx := e.ctx
	e.group.Go(func() error {
		if err := e.AddPath(gctx, h); err != nil && gctx.Err() == nil {
			e.logger.WithError(err).Warn("add offered path")
		}
		return nil
	})
}

// Paths returns the probed paths and their last RTT sample.
func (e *Engine) Paths() map[srh.Key]time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[srh.Key]time.Duration, len(e.entries))
	for k, ent := range e.entries {
		out[k] = time.Duration(ent.rtt.Load())
	}
	return out
}

// Active returns the path applied to the primary connection.
func (e *Engine) Active() (srh.Key, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return "", false
	}
	return e.active.key, true
}

func (e *Engine) probeLoop(ctx context.Context, ent *entry) error {
	ticker := time.NewTicker(e.probeInterval)
	defer ticker.Stop()
	buf := make([]byte, e.probeSize)
	label := ent.key.String()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for i := 0; i < e.probeBurst; i++ {
			if _, err := ent.conn.Write(buf); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				metrics.ProbeErrorsTotal.Inc()
				if e.remove(ent) {
					e.logger.WithError(err).WithField("path", label).Warn("probe failed, path removed")
					return nil
				}
				e.logger.WithError(err).WithField("path", label).Debug("probe of active path failed")
				break
			}
		}
		rtt, err := ent.conn.RTT()
		if err != nil || rtt <= 0 {
			continue
		}
		ent.rtt.Store(int64(rtt))
		metrics.ProbeRTTMicroseconds.WithLabelValues(label).Set(float64(rtt.Microseconds()))
	}
}

// remove drops a non-active entry. It reports whether the entry is gone.
func (e *Engine) remove(ent *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == ent {
		return false
	}
	if e.entries[ent.key] == ent {
		delete(e.entries, ent.key)
	}
	ent.conn.Close()
	metrics.ProbedPaths.Set(float64(len(e.entries)))
	metrics.ProbeRTTMicroseconds.DeleteLabelValues(ent.key.String())
	return true
}

func (e *Engine) switchLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.switchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.switchOnce(ctx)
		}
	}
}

func (e *Engine) switchOnce(ctx context.Context) {
	e.mu.RLock()
	if e.active == nil {
		e.mu.RUnlock()
		return
	}
	samples := make(map[srh.Key]time.Duration, len(e.entries))
	for k, ent := range e.entries {
		if rtt := ent.rtt.Load(); rtt > 0 {
			samples[k] = time.Duration(rtt)
		}
	}
	current := e.active.key
	e.mu.RUnlock()

	best, ok := selectBetter(samples, current, e.hysteresis)
	if !ok {
		return
	}

	e.mu.Lock()
	target := e.entries[best]
	if target == nil || e.active == nil || e.active.key != current || !e.running {
		e.mu.Unlock()
		return
	}
	if err := e.primary.SetRoute(target.header); err != nil {
		e.mu.Unlock()
		e.logger.WithError(err).WithField("path", best.String()).Warn("apply path on primary connection")
		return
	}
	e.active = target
	e.mu.Unlock()

	metrics.PathSwitchesTotal.Inc()
	e.logger.WithFields(map[string]interface{}{
		"from": current.String(),
		"to":   best.String(),
		"rtt":  samples[best],
	}).Info("switched primary connection")
	ev := reporter.Event{
		Type:        reporter.EventPathSwitch,
		Destination: e.server.Addr().String(),
		Path:        best.String(),
		RTTMicros:   uint32(samples[best].Microseconds()),
	}
	if err := e.reporter.Report(ctx, ev); err != nil {
		e.logger.WithError(err).Debug("report path switch")
	}
}

// selectBetter returns the path with the lowest RTT when it beats the
// active path by more than margin. Paths without a sample never win and an
// active path without a sample is never left.
func selectBetter(samples map[srh.Key]time.Duration, active srh.Key, margin time.Duration) (srh.Key, bool) {
	cur, ok := samples[active]
	if !ok {
		return "", false
	}
	keys := make([]srh.Key, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	best, bestRTT := active, cur
	for _, k := range keys {
		if rtt := samples[k]; rtt < bestRTT {
			best, bestRTT = k, rtt
		}
	}
	if best == active || bestRTT >= cur-margin {
		return "", false
	}
	return best, true
}

func (e *Engine) trafficLoop(ctx context.Context, primary PathConn) error {
	buf := make([]byte, e.probeSize)
	for ctx.Err() == nil {
		_, err := primary.Write(buf)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, ErrPathOffered) {
			return fmt.Errorf("%w: primary connection: %v", core.ErrTransport, err)
		}
		h, err := primary.OfferedRoute()
		if err != nil {
			e.logger.WithError(err).Warn("read offered path")
			continue
		}
		e.spawnAdd(h)
	}
	return nil
}
