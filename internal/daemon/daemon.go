// Package daemon implements the daemon lifecycle manager shared by every role.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/srte/internal/config"
	logpkg "firestige.xyz/srte/internal/log"
	"firestige.xyz/srte/internal/metrics"
)

// Service is the role a daemon runs. Run blocks until ctx is done or the
// service fails.
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// Daemon manages the process lifecycle around one Service.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	metricsServer *metrics.Server // nil if metrics disabled
	logger        logpkg.Logger

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopTimeout  time.Duration
}

// New loads the configuration and creates a Daemon.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(cfg, configPath, pidFile), nil
}

// NewWithConfig creates a Daemon around an already loaded configuration.
// An empty pidFile falls back to control.pid_file.
func NewWithConfig(cfg *config.GlobalConfig, configPath, pidFile string) *Daemon {
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}
	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		pidFile:      pidFile,
		logger:       logpkg.GetLogger(),
		shutdownChan: make(chan struct{}, 1),
		stopTimeout:  5 * time.Second,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Config returns the configuration the daemon was started with.
func (d *Daemon) Config() *config.GlobalConfig { return d.config }

// Logger returns the process logger once Start has run.
func (d *Daemon) Logger() logpkg.Logger { return d.logger }

// Start initializes logging, writes the PID file and starts the metrics server.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	d.logger.WithFields(map[string]interface{}{
		"hostname": d.config.Node.Hostname,
		"config":   d.configPath,
	}).Info("starting srte daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.removePIDFile()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

// Run runs svc and blocks until it returns or shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. TriggerShutdown
//  3. the service returning
//
// SIGHUP reloads the log level.
func (d *Daemon) Run(svc Service) error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	done := make(chan error, 1)
	go func() { done <- svc.Run(d.ctx) }()
	d.logger.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				d.logger.Infof("received shutdown signal %s", sig)
				return d.stop(done)
			case syscall.SIGHUP:
				d.logger.Info("received reload signal")
				if err := d.Reload(); err != nil {
					d.logger.WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			d.logger.Info("shutdown triggered")
			return d.stop(done)

		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.WithError(err).Error("service failed")
			}
			d.Stop()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// stop cancels the service and waits for it to return.
func (d *Daemon) stop(done <-chan error) error {
	d.cancel()
	var err error
	select {
	case err = <-done:
	case <-time.After(d.stopTimeout):
		err = fmt.Errorf("service did not stop within %s", d.stopTimeout)
	}
	d.Stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop releases daemon resources. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.logger.Info("initiating graceful shutdown")

	// 1. Cancel context to signal the service
	d.cancel()

	// 2. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.stopTimeout)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			d.logger.WithError(err).Error("error stopping metrics server")
		}
		cancel()
		d.metricsServer = nil
	}

	// 3. Unregister signal handler
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 4. Remove PID file
	if err := d.removePIDFile(); err != nil {
		d.logger.WithError(err).Error("error removing PID file")
	}

	d.logger.Info("daemon stopped")

	// 5. Flush logs
	logpkg.Flush()
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level. Everything else requires a restart.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return errors.New("daemon has no config file to reload")
	}
	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	if newConfig.Log.Level != d.config.Log.Level {
		if err := logpkg.SetLevel(newConfig.Log.Level); err != nil {
			return err
		}
		d.logger.Infof("log level changed from %s to %s", d.config.Log.Level, newConfig.Log.Level)
		d.config.Log.Level = newConfig.Log.Level
	}
	if newConfig.Log.Format != d.config.Log.Format || newConfig.Log.Outputs != d.config.Log.Outputs {
		d.logger.Warn("log format and outputs require a restart")
	}
	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	d.logger = logpkg.GetLogger()
	d.logger.Debugf("logging initialized at %s level", d.config.Log.Level)
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		d.logger.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, d.logger)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	d.logger.Infof("metrics server listening on %s%s", d.metricsServer.Addr(), d.config.Metrics.Path)
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	d.logger.Debugf("PID file %s written", d.pidFile)
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
