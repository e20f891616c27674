// Package log provides the leveled, structured logger shared by every daemon role.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/srte/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu     sync.RWMutex
	logger Logger = newStdout()
	output *MultiWriter
)

// GetLogger returns the process logger. Before Init it writes text to stdout at info level.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger. It may be called again on reload.
func Init(cfg config.LogConfig) error {
	l, w, err := build(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	old := output
	logger, output = l, w
	mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// New builds a standalone logger from cfg without touching the process logger.
func New(cfg config.LogConfig) (Logger, error) {
	l, _, err := build(cfg)
	return l, err
}

// Flush closes file outputs held by the process logger.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if output != nil {
		_ = output.Close()
		output = nil
	}
}

func build(cfg config.LogConfig) (Logger, *MultiWriter, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	l := logrus.New()
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeLayout(cfg)})
	case "text", "":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = DefaultPattern
		}
		l.SetFormatter(&formatter{pattern: pattern, time: timeLayout(cfg)})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	w := NewMultiWriter().Add(os.Stdout)
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return nil, nil, fmt.Errorf("file output requires 'path' field")
		}
		w.AddFileAppender(cfg.Outputs.File)
	}
	l.SetOutput(w)

	return &logrusAdapter{entry: logrus.NewEntry(l)}, w, nil
}

func timeLayout(cfg config.LogConfig) string {
	if cfg.TimeLayout != "" {
		return cfg.TimeLayout
	}
	return DefaultTimeLayout
}

func newStdout() Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&formatter{pattern: DefaultPattern, time: DefaultTimeLayout})
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

// NewWriter returns a debug level text logger writing to w.
func NewWriter(w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&formatter{pattern: DefaultPattern, time: DefaultTimeLayout})
	return &logrusAdapter{entry: logrus.NewEntry(l)}
}

// Discard returns a logger that drops everything.
func Discard() Logger {
	return NewWriter(io.Discard)
}

// SetLevel changes the level of the process logger in place, so loggers
// derived from it with WithField follow the change.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	mu.RLock()
	defer mu.RUnlock()
	if a, ok := logger.(*logrusAdapter); ok {
		a.entry.Logger.SetLevel(lvl)
	}
	return nil
}
