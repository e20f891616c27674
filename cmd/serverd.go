package cmd

import (
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"firestige.xyz/srte/internal/daemon"
	"firestige.xyz/srte/internal/server"
)

var serverdCmd = &cobra.Command{
	Use:   "serverd",
	Short: "Run the sink server",
	Long: `Run the sink server in foreground.

The server accepts TCP connections on server.port, drains them and, when
server.eval_file is set, appends one "conn bytes sec.nsec" line per active
connection every server.interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(buildServerd)
	},
}

func buildServerd(d *daemon.Daemon) (daemon.Service, func(), error) {
	cfg := d.Config()
	srv := server.New(cfg.Server, d.Logger())
	if err := srv.Listen(net.JoinHostPort("::", strconv.Itoa(cfg.Server.Port))); err != nil {
		return nil, nil, err
	}
	return srv, func() {}, nil
}
