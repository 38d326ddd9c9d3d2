// Package metrics exposes the process-wide Prometheus collectors for audit
// throughput and tool health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuditsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miesc",
		Name:      "audits_started_total",
		Help:      "Audits accepted by the coordinator.",
	})
	AuditsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "miesc",
		Name:      "audits_completed_total",
		Help:      "Audits that reached a terminal state, by status.",
	}, []string{"status"})
	AuditsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "miesc",
		Name:      "audits_active",
		Help:      "Audits currently in flight.",
	})
	FindingsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miesc",
		Name:      "findings_emitted_total",
		Help:      "Normalized findings produced by adapters.",
	})
	CorrelatedEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miesc",
		Name:      "correlated_findings_total",
		Help:      "Correlated finding revisions emitted.",
	})
	ToolsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miesc",
		Name:      "tools_skipped_total",
		Help:      "Tool runs skipped for unavailability or exhausted budget.",
	})
	ToolsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miesc",
		Name:      "tools_timed_out_total",
		Help:      "Tool runs cancelled by a deadline.",
	})
	ToolsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "miesc",
		Name:      "tools_failed_total",
		Help:      "Tool runs that ended in a structured failure.",
	})
)
