// Package metrics exposes the agent's prometheus gauges, counters, and
// histograms, registered process-wide via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_command_queue_depth",
		Help: "Number of commands currently pending in the queue.",
	})
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_command_workers_busy",
		Help: "Number of command worker slots currently in use.",
	})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_commands_total",
		Help: "Total number of commands processed by outcome.",
	}, []string{"type", "outcome"})
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_command_duration_seconds",
		Help:    "Duration of command execution by type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	CommandResultsSpooled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_command_results_spooled",
		Help: "Number of command results currently held in the offline spool.",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_control_channel_reconnects_total",
		Help: "Total number of control-channel reconnect attempts.",
	})
	ConnectedState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_control_channel_connected",
		Help: "1 if the control channel is connected, 0 otherwise.",
	})

	TelemetrySamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_telemetry_samples_total",
		Help: "Total number of telemetry samples taken.",
	})
	TelemetrySamplesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_telemetry_samples_dropped_total",
		Help: "Total number of telemetry samples dropped because the control channel was disconnected.",
	})

	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_updates_total",
		Help: "Total number of update attempts by outcome.",
	}, []string{"outcome"})
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_update_duration_seconds",
		Help:    "Duration of update attempts from discovery to hand-off.",
		Buckets: prometheus.DefBuckets,
	})

	TokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_token_refresh_total",
		Help: "Total number of token refresh attempts by outcome.",
	}, []string{"outcome"})
)
