package cmd

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/daemon"
	"firestige.xyz/srte/internal/fastpath"
	"firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/pathtable"
	"firestige.xyz/srte/internal/reporter"
	"firestige.xyz/srte/internal/srdb"
)

var localctrlCmd = &cobra.Command{
	Use:   "localctrl",
	Short: "Export database paths into the destination table",
	Long: `Run the local path controller in foreground.

The controller follows the path database (an OVSDB monitor or a watched
YAML file), keeps the rows whose prefixes contain an address of this host and
writes the resulting segment routing headers per destination into the
destination table (a pinned BPF map, or memory for testing).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(buildLocalctrl)
	},
}

func buildLocalctrl(d *daemon.Daemon) (daemon.Service, func(), error) {
	cfg := d.Config()
	logger := d.Logger()

	local, err := localAddresses(cfg.Controller)
	if err != nil {
		return nil, nil, err
	}
	if len(local) == 0 {
		logger.Warn("no global IPv6 address found, no row will apply to this host")
	}

	store, closeStore, err := openFastPath(cfg.Controller.FastPath)
	if err != nil {
		return nil, nil, err
	}
	rep, err := reporter.New(cfg.Reporter, cfg.Node.Hostname, logger)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	table := pathtable.New(store, logger)
	ingestor := srdb.NewIngestor(table, local, rep, logger)
	feed := newFeed(cfg.Database, logger)
	logger.Infof("controller for %d local address(es) using %s feed", len(local), cfg.Database.Feed)

	svc := daemon.ServiceFunc(func(ctx context.Context) error {
		return ingestor.Run(ctx, feed)
	})
	cleanup := func() {
		if err := rep.Close(); err != nil {
			logger.WithError(err).Warn("close reporter")
		}
		closeStore()
	}
	return svc, cleanup, nil
}

func localAddresses(cfg config.ControllerConfig) ([]netip.Addr, error) {
	if len(cfg.LocalAddresses) > 0 {
		return srdb.ParseAddresses(cfg.LocalAddresses)
	}
	return srdb.LocalAddresses()
}

func openFastPath(cfg config.FastPathConfig) (pathtable.FastPathStore, func(), error) {
	switch cfg.Type {
	case "memory":
		return pathtable.NewMemoryStore(), func() {}, nil
	case "bpf":
		m, err := fastpath.Open(cfg.Pin, cfg.MapID)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported fast path type %q", cfg.Type)
	}
}

func newFeed(cfg config.DatabaseConfig, logger log.Logger) srdb.Feed {
	if cfg.Feed == "file" {
		return srdb.NewFileFeed(cfg.File, logger)
	}
	return srdb.NewOVSDBFeed(cfg.OVSDB, logger)
}
