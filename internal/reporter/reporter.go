// Package reporter publishes path lifecycle events: installs, withdrawals,
// router assignments and end host switches.
package reporter

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/core"
	"firestige.xyz/srte/internal/log"
)

// EventType names a path lifecycle event.
type EventType string

const (
	EventPathUpsert EventType = "path_upsert"
	EventPathRemove EventType = "path_remove"
	EventPathAssign EventType = "path_assign"
	EventPathSwitch EventType = "path_switch"
)

// Event is one lifecycle record. Path is the canonical waypoint list,
// empty for the direct route.
type Event struct {
	Type        EventType `json:"type"`
	Time        time.Time `json:"time"`
	Node        string    `json:"node,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Path        string    `json:"path,omitempty"`
	Slot        *uint32   `json:"slot,omitempty"`
	Flow        string    `json:"flow,omitempty"`
	RTTMicros   uint32    `json:"rtt_us,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Key is the partitioning key: the flow when known, otherwise the destination.
func (e Event) Key() string {
	if e.Flow != "" {
		return e.Flow
	}
	return e.Destination
}

// Reporter publishes events. Report must not block on the network.
type Reporter interface {
	Report(ctx context.Context, ev Event) error
	Close() error
}

// New builds the reporter selected by cfg. Events without a Node are
// stamped with node.
func New(cfg config.ReporterConfig, node string, logger log.Logger) (Reporter, error) {
	var r Reporter
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	case "log":
		r = NewLog(logger)
	case "kafka":
		k, err := NewKafka(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		r = k
	default:
		return nil, fmt.Errorf("%w: reporter type %q", core.ErrConfigInvalid, cfg.Type)
	}
	return &stamped{Reporter: r, node: node}, nil
}

type stamped struct {
	Reporter
	node string
}

func (s *stamped) Report(ctx context.Context, ev Event) error {
	if ev.Node == "" {
		ev.Node = s.node
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return s.Reporter.Report(ctx, ev)
}

// Nop discards events.
type Nop struct{}

func (Nop) Report(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// Log writes events to a logger at info level.
type Log struct {
	logger log.Logger
}

func NewLog(logger log.Logger) *Log {
	return &Log{logger: logger.WithField("component", "reporter")}
}

func (l *Log) Report(_ context.Context, ev Event) error {
	fields := map[string]interface{}{
		"event": string(ev.Type),
		"node":  ev.Node,
	}
	if ev.Destination != "" {
		fields["dest"] = ev.Destination
	}
	if ev.Path != "" {
		fields["path"] = ev.Path
	}
	if ev.Slot != nil {
		fields["slot"] = *ev.Slot
	}
	if ev.Flow != "" {
		fields["flow"] = ev.Flow
	}
	if ev.RTTMicros != 0 {
		fields["rtt_us"] = ev.RTTMicros
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}
	l.logger.WithFields(fields).Info("path event")
	return nil
}

func (l *Log) Close() error { return nil }
