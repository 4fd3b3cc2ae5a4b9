// Package metrics provides Prometheus metrics for the dedup service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergesExecuted tracks completed merge executions
	MergesExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "merge",
			Name:      "executions_total",
			Help:      "Total number of completed merge executions",
		},
	)

	// ClientsMerged tracks loser records collapsed into a winner
	ClientsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "merge",
			Name:      "clients_merged_total",
			Help:      "Total number of client records merged away",
		},
	)

	// MergesBlocked tracks merges blocked by the guardrail
	MergesBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "merge",
			Name:      "blocked_total",
			Help:      "Total number of merges blocked, by conflict code",
		},
		[]string{"code"},
	)

	// MatchesResolved tracks survey match resolutions by strategy
	MatchesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "matchqueue",
			Name:      "resolved_total",
			Help:      "Total number of survey matches resolved, by strategy",
		},
		[]string{"strategy"},
	)

	// ReconcileRuns tracks batch reconcile runs by outcome
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of reconcile runs, by outcome",
		},
		[]string{"status"},
	)

	// ReconcileGroupsProcessed tracks candidate groups handled per run
	ReconcileGroupsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "reconcile",
			Name:      "groups_total",
			Help:      "Total number of candidate groups processed, by outcome",
		},
		[]string{"outcome"},
	)

	// ReconcileDuration tracks reconcile run duration in seconds
	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gestionale",
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconcile runs in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// GuardrailScans tracks guardrail reference scans by result
	GuardrailScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gestionale",
			Subsystem: "guardrail",
			Name:      "scans_total",
			Help:      "Total number of guardrail reference scans, by result",
		},
		[]string{"result"},
	)
)
