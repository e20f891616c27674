// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/srte/internal/daemon"
)

var (
	// Global flags
	configFile string
	pidFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "srte",
	Short: "srte - SRv6 traffic engineering for end hosts and routers",
	Long: `srte steers TCP and UDP flows over IPv6 segment routing paths.

Roles:
  localctrl  export the paths of a path database into the kernel destination table
  rerouted   intercept unrouted flows on a router and offer them a path
  endhost    probe every offered path and move the connection to the fastest
  serverd    sink server the end hosts measure against`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/srte/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pid-file", "p", "",
		"PID file path (default: control.pid_file)")

	rootCmd.AddCommand(localctrlCmd)
	rootCmd.AddCommand(reroutedCmd)
	rootCmd.AddCommand(endhostCmd)
	rootCmd.AddCommand(serverdCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
}

// builder assembles the service of one role once the daemon has
// initialized logging. cleanup runs after the service returned.
type builder func(d *daemon.Daemon) (svc daemon.Service, cleanup func(), err error)

// runDaemon runs a role in the foreground until it fails or is signalled.
func runDaemon(build builder) error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	svc, cleanup, err := build(d)
	if err != nil {
		d.Logger().WithError(err).Error("failed to assemble service")
		d.Stop()
		return err
	}
	defer cleanup()
	return d.Run(svc)
}
