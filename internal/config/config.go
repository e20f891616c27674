// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/srte/internal/core"
)

// GlobalConfig represents the top-level configuration shared by every role.
// Maps to the `srte:` root key in YAML.
type GlobalConfig struct {
	Node       NodeConfig       `mapstructure:"node"`
	Control    ControlConfig    `mapstructure:"control"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Reporter   ReporterConfig   `mapstructure:"reporter"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Controller ControllerConfig `mapstructure:"controller"`
	Router     RouterConfig     `mapstructure:"router"`
	Endhost    EndhostConfig    `mapstructure:"endhost"`
	Server     ServerConfig     `mapstructure:"server"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname"` // Empty = os.Hostname()
}

// ControlConfig contains process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level"`  // trace / debug / info / warn / error
	Format     string           `mapstructure:"format"` // json / text
	Pattern    string           `mapstructure:"pattern"`
	TimeLayout string           `mapstructure:"time_layout"`
	Outputs    LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations. Stdout is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Reporter ───

// ReporterConfig selects where path lifecycle events are published.
type ReporterConfig struct {
	Type  string              `mapstructure:"type"` // none | log | kafka
	Kafka KafkaReporterConfig `mapstructure:"kafka"`
}

// KafkaReporterConfig configures the Kafka event reporter.
type KafkaReporterConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// ─── Path Database ───

// DatabaseConfig describes where Paths rows come from.
type DatabaseConfig struct {
	Feed  string      `mapstructure:"feed"` // ovsdb | file
	OVSDB OVSDBConfig `mapstructure:"ovsdb"`
	File  string      `mapstructure:"file"`
}

// OVSDBConfig configures the OVSDB monitor of the Paths table.
type OVSDBConfig struct {
	Server   string `mapstructure:"server"` // tcp:host:port or unix:path
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

// ─── Roles ───

// ControllerConfig configures the local controller (localctrl).
type ControllerConfig struct {
	FastPath       FastPathConfig `mapstructure:"fast_path"`
	LocalAddresses []string       `mapstructure:"local_addresses"` // Empty = discover
}

// FastPathConfig selects the destination table the controller exports to.
type FastPathConfig struct {
	Type  string `mapstructure:"type"` // bpf | memory
	MapID uint32 `mapstructure:"map_id"`
	Pin   string `mapstructure:"pin"` // pinned map path, preferred over map_id
}

// RouterConfig configures the rerouting daemon (rerouted).
type RouterConfig struct {
	QueueNum    uint16          `mapstructure:"queue_num"`
	QueueLen    int             `mapstructure:"queue_len"`
	CacheTTL    time.Duration   `mapstructure:"cache_ttl"` // 0 = never expire
	Workers     int             `mapstructure:"workers"`
	WorkerQueue int             `mapstructure:"worker_queue"`
	Notify      NotifyConfig    `mapstructure:"notify"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// NotifyConfig configures the path offer transport.
type NotifyConfig struct {
	Mode string `mapstructure:"mode"` // udp | icmp | both
	Port int    `mapstructure:"port"`
}

// RateLimitConfig bounds offers sent per flow source.
type RateLimitConfig struct {
	MaxPerSource int           `mapstructure:"max_per_source"` // 0 = unlimited
	Window       time.Duration `mapstructure:"window"`
}

// EndhostConfig configures the endpoint switch daemon (endhost).
type EndhostConfig struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	ServerPort     int           `mapstructure:"server_port"`
	Notify         NotifyConfig  `mapstructure:"notify"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeBurst     int           `mapstructure:"probe_burst"`
	ProbeSize      int           `mapstructure:"probe_size"`
	SwitchInterval time.Duration `mapstructure:"switch_interval"`
	Hysteresis     time.Duration `mapstructure:"hysteresis"`
}

// ServerConfig configures the sink server (serverd).
type ServerConfig struct {
	Port     int           `mapstructure:"port"`
	EvalFile string        `mapstructure:"eval_file"` // Empty = no throughput file
	Interval time.Duration `mapstructure:"interval"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `srte: ...`.
type configRoot struct {
	SRTE GlobalConfig `mapstructure:"srte"`
}

// Load loads configuration from file.
// The YAML file uses `srte:` as root key; env vars use the SRTE_ prefix (e.g. SRTE_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `srte.` key prefix maps to `SRTE_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.SRTE

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "srte." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("srte.control.pid_file", "")

	// Log defaults
	v.SetDefault("srte.log.level", "info")
	v.SetDefault("srte.log.format", "text")
	v.SetDefault("srte.log.outputs.file.enabled", false)
	v.SetDefault("srte.log.outputs.file.path", "/var/log/srte/srte.log")
	v.SetDefault("srte.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("srte.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("srte.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("srte.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("srte.metrics.enabled", false)
	v.SetDefault("srte.metrics.listen", ":9091")
	v.SetDefault("srte.metrics.path", "/metrics")

	// Reporter defaults
	v.SetDefault("srte.reporter.type", "none")
	v.SetDefault("srte.reporter.kafka.topic", "srte-events")
	v.SetDefault("srte.reporter.kafka.compression", "snappy")
	v.SetDefault("srte.reporter.kafka.batch_size", 100)
	v.SetDefault("srte.reporter.kafka.batch_timeout", "1s")
	v.SetDefault("srte.reporter.kafka.max_attempts", 3)

	// Path database defaults
	v.SetDefault("srte.database.feed", "ovsdb")
	v.SetDefault("srte.database.ovsdb.server", "tcp:[::1]:6640")
	v.SetDefault("srte.database.ovsdb.database", "SR_test")
	v.SetDefault("srte.database.ovsdb.table", "Paths")

	// Controller defaults
	v.SetDefault("srte.controller.fast_path.type", "bpf")

	// Router defaults
	v.SetDefault("srte.router.queue_num", 0)
	v.SetDefault("srte.router.queue_len", 1024)
	v.SetDefault("srte.router.cache_ttl", "0s")
	v.SetDefault("srte.router.workers", 4)
	v.SetDefault("srte.router.worker_queue", 1024)
	v.SetDefault("srte.router.notify.mode", "icmp")
	v.SetDefault("srte.router.notify.port", 5000)
	v.SetDefault("srte.router.rate_limit.max_per_source", 0)
	v.SetDefault("srte.router.rate_limit.window", "1s")

	// Endhost defaults
	v.SetDefault("srte.endhost.server_addr", "::1")
	v.SetDefault("srte.endhost.server_port", 80)
	v.SetDefault("srte.endhost.notify.mode", "both")
	v.SetDefault("srte.endhost.notify.port", 5000)
	v.SetDefault("srte.endhost.probe_interval", "100us")
	v.SetDefault("srte.endhost.probe_burst", 15)
	v.SetDefault("srte.endhost.probe_size", 1024)
	v.SetDefault("srte.endhost.switch_interval", "100us")
	v.SetDefault("srte.endhost.hysteresis", "1ms")

	// Server defaults
	v.SetDefault("srte.server.port", 80)
	v.SetDefault("srte.server.eval_file", "")
	v.SetDefault("srte.server.interval", "1s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Reporter ──
	switch cfg.Reporter.Type {
	case "none", "log":
	case "kafka":
		if len(cfg.Reporter.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: reporter.kafka.brokers is required when reporter.type=kafka", core.ErrConfigInvalid)
		}
		if cfg.Reporter.Kafka.Topic == "" {
			return fmt.Errorf("%w: reporter.kafka.topic is required when reporter.type=kafka", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported reporter.type: %s (must be none/log/kafka)", core.ErrConfigInvalid, cfg.Reporter.Type)
	}

	// ── Path database ──
	switch cfg.Database.Feed {
	case "ovsdb":
		if cfg.Database.OVSDB.Server == "" || cfg.Database.OVSDB.Database == "" || cfg.Database.OVSDB.Table == "" {
			return fmt.Errorf("%w: database.ovsdb.server, database and table are required", core.ErrConfigInvalid)
		}
	case "file":
		if cfg.Database.File == "" {
			return fmt.Errorf("%w: database.file is required when database.feed=file", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported database.feed: %s (must be ovsdb/file)", core.ErrConfigInvalid, cfg.Database.Feed)
	}

	// ── Controller ──
	if t := cfg.Controller.FastPath.Type; t != "bpf" && t != "memory" {
		return fmt.Errorf("%w: unsupported controller.fast_path.type: %s (must be bpf/memory)", core.ErrConfigInvalid, t)
	}
	for _, a := range cfg.Controller.LocalAddresses {
		if _, err := netip.ParseAddr(a); err != nil {
			return fmt.Errorf("%w: controller.local_addresses: %v", core.ErrConfigInvalid, err)
		}
	}

	// ── Router ──
	if err := validateNotify("router.notify", cfg.Router.Notify); err != nil {
		return err
	}
	if cfg.Router.Workers <= 0 {
		cfg.Router.Workers = 1
	}
	if cfg.Router.WorkerQueue <= 0 {
		cfg.Router.WorkerQueue = 1024
	}

	// ── Endhost ──
	if err := validateNotify("endhost.notify", cfg.Endhost.Notify); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(cfg.Endhost.ServerAddr); err != nil {
		return fmt.Errorf("%w: endhost.server_addr: %v", core.ErrConfigInvalid, err)
	}
	if err := validatePort("endhost.server_port", cfg.Endhost.ServerPort); err != nil {
		return err
	}
	if cfg.Endhost.ProbeInterval <= 0 || cfg.Endhost.SwitchInterval <= 0 {
		return fmt.Errorf("%w: endhost probe_interval and switch_interval must be positive", core.ErrConfigInvalid)
	}
	if cfg.Endhost.ProbeBurst <= 0 || cfg.Endhost.ProbeSize <= 0 {
		return fmt.Errorf("%w: endhost probe_burst and probe_size must be positive", core.ErrConfigInvalid)
	}
	if cfg.Endhost.Hysteresis < 0 {
		return fmt.Errorf("%w: endhost.hysteresis must not be negative", core.ErrConfigInvalid)
	}

	// ── Server ──
	if err := validatePort("server.port", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Server.Interval <= 0 {
		cfg.Server.Interval = time.Second
	}

	return nil
}

func validateNotify(key string, n NotifyConfig) error {
	switch n.Mode {
	case "udp", "icmp", "both":
	default:
		return fmt.Errorf("%w: unsupported %s.mode: %s (must be udp/icmp/both)", core.ErrConfigInvalid, key, n.Mode)
	}
	return validatePort(key+".port", n.Port)
}

func validatePort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s out of range: %d", core.ErrConfigInvalid, key, port)
	}
	return nil
}
