package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/srte/internal/daemon"
	"firestige.xyz/srte/internal/endhost"
	"firestige.xyz/srte/internal/notify"
	"firestige.xyz/srte/internal/reporter"
)

const dialTimeout = 5 * time.Second

var endhostCmd = &cobra.Command{
	Use:   "endhost",
	Short: "Probe offered paths to the server and use the fastest",
	Long: `Run the end host switch daemon in foreground.

The daemon connects to the configured server, listens for path offers from
routers, opens one probe connection per offered path and moves the primary
connection onto a path once it is faster than the current one by more than
the hysteresis.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(buildEndhost)
	},
}

func buildEndhost(d *daemon.Daemon) (daemon.Service, func(), error) {
	cfg := d.Config()
	logger := d.Logger()

	rep, err := reporter.New(cfg.Reporter, cfg.Node.Hostname, logger)
	if err != nil {
		return nil, nil, err
	}
	dialer := &endhost.TCPDialer{Timeout: dialTimeout}
	engine, err := endhost.New(cfg.Endhost, dialer, rep, logger)
	if err != nil {
		rep.Close()
		return nil, nil, err
	}
	dialer.Server = engine.Server()

	receiver := notify.NewReceiver(cfg.Endhost.Notify, engine, logger)
	if err := receiver.Listen(""); err != nil {
		rep.Close()
		return nil, nil, err
	}
	logger.Infof("switching connections to %s, offers via %s", engine.Server(), cfg.Endhost.Notify.Mode)

	svc := daemon.ServiceFunc(func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return receiver.Run(gctx) })
		g.Go(func() error { return engine.Run(gctx) })
		return g.Wait()
	})
	cleanup := func() {
		if err := rep.Close(); err != nil {
			logger.WithError(err).Warn("close reporter")
		}
	}
	return svc, cleanup, nil
}
