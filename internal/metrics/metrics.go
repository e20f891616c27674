// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PathTableOpsTotal counts path table mutations by operation and result
	PathTableOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srte_path_table_ops_total",
			Help: "Total number of path table operations",
		},
		[]string{"op", "result"},
	)

	// PathTableValidPaths tracks valid slots per destination
	PathTableValidPaths = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "srte_path_table_valid_paths",
			Help: "Number of valid paths per destination",
		},
		[]string{"destination"},
	)

	// FastPathWritesTotal counts full-entry writes to the fast-path store
	FastPathWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srte_fastpath_writes_total",
			Help: "Total number of destination entries written to the fast-path store",
		},
		[]string{"result"},
	)

	// FeedEventsTotal counts path database row events
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srte_feed_events_total",
			Help: "Total number of path database row events",
		},
		[]string{"feed", "action"},
	)

	// InterceptPacketsTotal counts intercepted packets by outcome
	InterceptPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srte_intercept_packets_total",
			Help: "Total number of intercepted packets by outcome",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal counts path offers sent or received
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srte_notifications_total",
			Help: "Total number of path offers by direction, transport and result",
		},
		[]string{"direction", "mode", "result"},
	)

	// DispatchDropsTotal counts offers dropped because a dispatch partition was full
	DispatchDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srte_dispatch_drops_total",
			Help: "Total number of offers dropped by the dispatcher",
		},
	)

	// ProbeRTTMicroseconds tracks the last RTT sample per probed path
	ProbeRTTMicroseconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "srte_probe_rtt_microseconds",
			Help: "Last smoothed RTT sampled on a probed path",
		},
		[]string{"path"},
	)

	// ProbeErrorsTotal counts failed probe bursts
	ProbeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srte_probe_errors_total",
			Help: "Total number of failed probe bursts",
		},
	)

	// ProbedPaths tracks the number of paths being probed
	ProbedPaths = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "srte_probed_paths",
			Help: "Number of paths currently probed by the endpoint",
		},
	)

	// PathSwitchesTotal counts header migrations on the primary connection
	PathSwitchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srte_path_switches_total",
			Help: "Total number of path switches on the primary connection",
		},
	)

	// ServerBytesTotal counts bytes drained by the sink server
	ServerBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "srte_server_bytes_total",
			Help: "Total number of bytes received by the sink server",
		},
	)

	// ServerConnections tracks open sink connections
	ServerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "srte_server_connections",
			Help: "Number of open sink server connections",
		},
	)

	// ReporterEventsTotal counts published lifecycle events
	ReporterEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "srte_reporter_events_total",
			Help: "Total number of path lifecycle events reported",
		},
		[]string{"type", "result"},
	)
)
