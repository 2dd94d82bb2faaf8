package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/caldog20/fleetcore/control/server/store"
)

type Metrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_job_runs_total",
				Help: "Scheduled job runs by outcome.",
			},
			[]string{"job", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_job_duration_seconds",
				Help:    "Scheduled job run duration.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		failures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_job_consecutive_failures",
				Help: "Consecutive failed runs per job.",
			},
			[]string{"job"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.duration, m.failures)
	}
	return m
}

func (m *Metrics) observe(run *store.JobRun) {
	m.runs.WithLabelValues(run.Job, string(run.Outcome)).Inc()
	m.duration.WithLabelValues(run.Job).Observe(run.Duration().Seconds())
	m.failures.WithLabelValues(run.Job).Set(float64(run.ConsecutiveFailures))
}
