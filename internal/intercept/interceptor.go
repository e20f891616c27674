// Package intercept turns packets of unrouted flows queued by the kernel into
// path offers for the flow source, and always drops the original packet.
package intercept

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/decoder"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
	"firestige.xyz/srte/internal/notify"
	"firestige.xyz/srte/internal/reporter"
	"firestige.xyz/srte/internal/srh"
)

// ErrRateLimited is returned when the flow source already got its share of
// offers for the current window.
var ErrRateLimited = errors.New("intercept: offer rate limited")

// OfferDispatcher queues an offer for delivery.
type OfferDispatcher interface {
	Dispatch(o notify.Offer) error
}

// Interceptor classifies queued packets, assigns a path and dispatches the
// offer.
type Interceptor struct {
	queue    PacketQueue
	topology *Topology
	policy   Policy
	dispatch OfferDispatcher
	limiter  *SourceLimiter
	reporter reporter.Reporter
	workers  int
	logger   log.Logger

	now func() time.Time
}

// Options bundles the interceptor collaborators.
type Options struct {
	Queue    PacketQueue
	Topology *Topology
	Policy   Policy
	Dispatch OfferDispatcher
	Limiter  *SourceLimiter
	Reporter reporter.Reporter
	Workers  int
}

func New(opts Options, logger log.Logger) *Interceptor {
	if opts.Policy == nil {
		opts.Policy = NewRandomPolicy(nil)
	}
	if opts.Reporter == nil {
		opts.Reporter = reporter.Nop{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Interceptor{
		queue:    opts.Queue,
		topology: opts.Topology,
		policy:   opts.Policy,
		dispatch: opts.Dispatch,
		limiter:  opts.Limiter,
		reporter: opts.Reporter,
		workers:  opts.Workers,
		logger:   logger.WithField("component", "interceptor"),
		now:      time.Now,
	}
}

// Run consumes the queue with the configured number of workers until ctx is
// done.
func (i *Interceptor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < i.workers; w++ {
		g.Go(func() error { return i.worker(ctx) })
	}
	return g.Wait()
}

func (i *Interceptor) worker(ctx context.Context) error {
	c := decoder.NewClassifier()
	for {
		pkt, err := i.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		_, err = i.Handle(ctx, c, pkt.Data)
		i.record(err)
		if verr := i.queue.Verdict(pkt.ID, VerdictDrop); verr != nil {
			i.logger.WithError(verr).WithField("id", pkt.ID).Warn("verdict failed")
		}
	}
}

// Handle runs one packet through classification, path assignment and
// dispatch, returning the offer that was queued.
func (i *Interceptor) Handle(ctx context.Context, c *decoder.Classifier, data []byte) (notify.Offer, error) {
	pkt, err := c.Classify(data)
	if err != nil {
		return notify.Offer{}, err
	}
	flow := pkt.Tuple

	cand, reversed, err := i.assign(flow, pkt.Routed)
	if err != nil {
		return notify.Offer{}, fmt.Errorf("flow %s: %w", flow, err)
	}
	h, err := srh.Build(flow.Dst, cand.Waypoints, reversed)
	if err != nil {
		return notify.Offer{}, fmt.Errorf("flow %s: %w", flow, err)
	}
	h.NextHeader = flow.Proto

	if !i.limiter.Allow(flow.Src, i.now()) {
		return notify.Offer{}, ErrRateLimited
	}

	offer := notify.Offer{Tuple: flow, Header: h, Context: pkt.Context}
	offer.Tuple.SRH = h.Marshal()
	if err := i.dispatch.Dispatch(offer); err != nil {
		return notify.Offer{}, fmt.Errorf("%w: dispatch: %v", core.ErrTransport, err)
	}

	i.logger.WithField("flow", flow).WithField("path", cand.Key).WithField("reversed", reversed).Debug("path offered")
	if err := i.reporter.Report(ctx, reporter.Event{
		Type:        reporter.EventPathAssign,
		Destination: flow.Dst.String(),
		Path:        cand.Key.String(),
		Flow:        flow.Key(),
	}); err != nil {
		i.logger.WithError(err).Debug("report event failed")
	}
	return offer, nil
}

// assign resolves the routers of both flow ends and asks the policy for a
// path other than the one already applied.
func (i *Interceptor) assign(flow core.ConnectionTuple, applied *srh.Header) (Candidate, bool, error) {
	src, ok := i.topology.Router(flow.Src)
	if !ok {
		return Candidate{}, false, fmt.Errorf("%w: no router for source %s", core.ErrNoPath, flow.Src)
	}
	dst, ok := i.topology.Router(flow.Dst)
	if !ok {
		return Candidate{}, false, fmt.Errorf("%w: no router for destination %s", core.ErrNoPath, flow.Dst)
	}
	if src == dst {
		return Candidate{}, false, fmt.Errorf("%w: both ends behind %s", core.ErrNoPath, src)
	}

	var current srh.Key
	if applied != nil {
		current = applied.Key()
	}
	cand, err := i.policy.Choose(i.topology.Candidates(src, dst), current)
	if err != nil {
		return Candidate{}, false, err
	}
	return cand, cand.Reversed(src), nil
}

func (i *Interceptor) record(err error) {
	outcome := "offered"
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	case errors.Is(err, core.ErrNoAlternative):
		outcome = "no_alternative"
	case errors.Is(err, core.ErrNoPath):
		outcome = "no_path"
	case errors.Is(err, core.ErrTransport):
		outcome = "dispatch_error"
	case errors.Is(err, core.ErrUnsupportedProto):
		outcome = "unsupported"
	default:
		outcome = "parse_error"
	}
	metrics.InterceptPacketsTotal.WithLabelValues(outcome).Inc()
	if err != nil && outcome != "unsupported" {
		i.logger.WithError(err).Debug("packet dropped without offer")
	}
}
