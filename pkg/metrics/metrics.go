package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Script lifecycle metrics
var (
	ScriptParses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_script_parses_total",
			Help: "Total number of script parses",
		},
		[]string{"status"},
	)

	ScriptParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sieve_script_parse_errors_total",
			Help: "Total number of individual parse errors reported",
		},
	)

	BytecodeLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_bytecode_loads_total",
			Help: "Total number of compiled script loads",
		},
		[]string{"result"}, // "ok", "reloaded", "fail"
	)
)

// Execution metrics
var (
	ScriptExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_script_executions_total",
			Help: "Total number of script executions",
		},
		[]string{"status"},
	)

	ScriptExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_script_execution_duration_seconds",
			Help:    "Duration of script executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_actions_executed_total",
			Help: "Total number of delivery actions dispatched to the host",
		},
		[]string{"action", "status"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_notifications_total",
			Help: "Total number of notifications dispatched to the host",
		},
		[]string{"status"},
	)

	DuplicateTrackWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_duplicate_track_writes_total",
			Help: "Total number of duplicate-tracking records handed to the host",
		},
		[]string{"status"},
	)
)
