// Package metrics exposes the engine's Prometheus collectors: per-result
// execution counters and a live-session gauge, scraped over /metrics the
// way the pack's HTTP services expose promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/google/protofuzz/pkg/record"
)

var (
	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "protofuzz",
		Name:      "executions_total",
		Help:      "Test case executions, by classification result.",
	}, []string{"result"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "protofuzz",
		Name:      "active_sessions",
		Help:      "Number of sessions currently running.",
	})

	FindingsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "protofuzz",
		Name:      "findings_saved_total",
		Help:      "Findings persisted to the corpus store, by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(ExecutionsTotal, ActiveSessions, FindingsSaved)
}

// RecordExecution increments the per-result execution counter.
func RecordExecution(result record.Result) {
	ExecutionsTotal.WithLabelValues(string(result)).Inc()
}

// RecordFinding increments the per-result finding counter.
func RecordFinding(result record.Result) {
	FindingsSaved.WithLabelValues(string(result)).Inc()
}
