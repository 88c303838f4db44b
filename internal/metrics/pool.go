package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPoolMetrics exposes pgx connection pool statistics as gauges on
// reg. Only the postgres backend has a pool; sqlite installs skip this.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "patchsilence_db_acquired_conns",
			Help: "Connections currently acquired from the pool",
		}, func() float64 {
			return float64(pool.Stat().AcquiredConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "patchsilence_db_idle_conns",
			Help: "Idle connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().IdleConns())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "patchsilence_db_total_conns",
			Help: "Total connections in the pool",
		}, func() float64 {
			return float64(pool.Stat().TotalConns())
		}),
	)
}
