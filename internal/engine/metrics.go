package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. One Metrics value is
// shared by every run of an engine.
type Metrics struct {
	runDuration prometheus.Histogram
	runTotal    *prometheus.CounterVec
	members     *prometheus.CounterVec
	pruned      prometheus.Counter
	lastRunUnix prometheus.Gauge
}

// NewMetrics registers the engine instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "patchsilence_run_duration_seconds",
			Help:    "Duration of each reconciliation run",
			Buckets: prometheus.DefBuckets,
		}),
		runTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsilence_runs_total",
			Help: "Reconciliation runs by result",
		}, []string{"result"}),
		members: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchsilence_members_total",
			Help: "Group members processed, by outcome",
		}, []string{"outcome"}),
		pruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "patchsilence_windows_pruned_total",
			Help: "Expired windows removed from the ledger",
		}),
		lastRunUnix: factory.NewGauge(prometheus.GaugeOpts{
			Name: "patchsilence_last_run_timestamp_seconds",
			Help: "Unix time of the last completed run",
		}),
	}
}
