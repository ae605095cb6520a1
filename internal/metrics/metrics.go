// Package metrics registers the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakeledger_events_appended_total",
		Help: "Total number of events durably appended to the log, labelled by kind.",
	}, []string{"kind"})

	AppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakeledger_append_failures_total",
		Help: "Total number of appends that did not reach the log.",
	})

	PreconditionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakeledger_precondition_rejections_total",
		Help: "Total number of ledger operations rejected before writing, labelled by reason.",
	}, []string{"reason"})

	SequenceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakeledger_sequence_conflicts_total",
		Help: "Total number of appends retried because another writer moved the log head.",
	})

	ReplayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stakeledger_replay_duration_seconds",
		Help:    "Time spent reading and folding the log.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	ReplayAnomalies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakeledger_replay_anomalies",
		Help: "Number of anomalies found by the most recent replay.",
	})

	SnapshotLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakeledger_snapshot_lookups_total",
		Help: "Derived-state cache lookups, labelled by result (hit or miss).",
	}, []string{"result"})

	CurrentCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakeledger_current_cycle",
		Help: "Cycle number of the most recently derived state.",
	})

	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stakeledger_sink_failures_total",
		Help: "Events a downstream sink failed to consume, labelled by sink.",
	}, []string{"sink"})

	SinkDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakeledger_sink_dropped_total",
		Help: "Event batches dropped because the dispatch queue was full.",
	})

	ArchivedSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stakeledger_archived_sequence",
		Help: "Highest log sequence copied to object storage.",
	})

	BackupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stakeledger_backup_failures_total",
		Help: "Log backups that failed to upload or verify.",
	})
)
