package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/srte/internal/daemon"
	"firestige.xyz/srte/internal/eventbus"
	"firestige.xyz/srte/internal/intercept"
	"firestige.xyz/srte/internal/notify"
	"firestige.xyz/srte/internal/reporter"
)

var reroutedCmd = &cobra.Command{
	Use:   "rerouted",
	Short: "Offer paths to flows intercepted on this router",
	Long: `Run the rerouting daemon in foreground.

Packets of flows without a routing header are queued by the kernel
(NFQUEUE). For each of them the daemon picks a path between the routers
serving the flow endpoints, offers it to the flow source (ICMPv6 and/or
UDP) and drops the packet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(buildRerouted)
	},
}

func buildRerouted(d *daemon.Daemon) (daemon.Service, func(), error) {
	cfg := d.Config()
	rc := cfg.Router
	logger := d.Logger()

	rep, err := reporter.New(cfg.Reporter, cfg.Node.Hostname, logger)
	if err != nil {
		return nil, nil, err
	}
	sender, err := notify.NewSender(rc.Notify, logger)
	if err != nil {
		rep.Close()
		return nil, nil, err
	}
	bus := eventbus.NewInMemoryEventBus(rc.Workers, rc.WorkerQueue, logger)
	dispatcher, err := notify.NewDispatcher(bus, sender, logger)
	if err != nil {
		bus.Close()
		sender.Close()
		rep.Close()
		return nil, nil, err
	}
	queue, err := intercept.OpenNFQueue(rc.QueueNum, rc.QueueLen, logger)
	if err != nil {
		dispatcher.Close()
		sender.Close()
		rep.Close()
		return nil, nil, err
	}

	topology := intercept.NewTopology(rc.CacheTTL, logger)
	feed := newFeed(cfg.Database, logger)
	interceptor := intercept.New(intercept.Options{
		Queue:    queue,
		Topology: topology,
		Dispatch: dispatcher,
		Limiter:  intercept.NewSourceLimiter(rc.RateLimit),
		Reporter: rep,
		Workers:  rc.Workers,
	}, logger)
	logger.Infof("intercepting queue %d with %d workers, offers via %s", rc.QueueNum, rc.Workers, rc.Notify.Mode)

	svc := daemon.ServiceFunc(func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return feed.Run(gctx, topology.Apply) })
		g.Go(func() error { return interceptor.Run(gctx) })
		return g.Wait()
	})
	cleanup := func() {
		if err := queue.Close(); err != nil {
			logger.WithError(err).Warn("close packet queue")
		}
		if err := dispatcher.Close(); err != nil {
			logger.WithError(err).Warn("close dispatcher")
		}
		if err := sender.Close(); err != nil {
			logger.WithError(err).Warn("close sender")
		}
		if err := rep.Close(); err != nil {
			logger.WithError(err).Warn("close reporter")
		}
	}
	return svc, cleanup, nil
}
