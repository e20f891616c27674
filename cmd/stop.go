package cmd

import (
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/daemon"
)

var stopTimeout time.Duration

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running srte daemon",
	Long: `Stop a running daemon gracefully.

SIGTERM is sent to the process recorded in the PID file; the command waits
until the daemon removed it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolvePIDFile()
		if err != nil {
			return err
		}
		if err := daemon.StopProcess(path, stopTimeout); err != nil {
			return fmt.Errorf("failed to stop: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the configuration of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolvePIDFile()
		if err != nil {
			return err
		}
		return runReload(cmd.OutOrStdout(), path)
	},
}

func init() {
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second, "time to wait for the daemon to exit")
}

func runReload(out io.Writer, path string) error {
	if err := daemon.Signal(path, syscall.SIGHUP); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "reload requested")
	return nil
}

// resolvePIDFile returns --pid-file, falling back to control.pid_file.
func resolvePIDFile() (string, error) {
	if pidFile != "" {
		return pidFile, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", err
	}
	if cfg.Control.PIDFile == "" {
		return "", fmt.Errorf("no PID file: pass --pid-file or set control.pid_file")
	}
	return cfg.Control.PIDFile, nil
}
