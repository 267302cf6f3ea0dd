package automation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"opsdesk/backend/opsdeskd/internal/changes"
)

var (
	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_sweeps_total",
			Help: "Total number of automation sweeps run.",
		},
	)
	recordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_records_total",
			Help: "Automation records dispatched, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "automation_sweep_duration_seconds",
			Help:    "Duration of automation sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(sweepsTotal)
	prometheus.MustRegister(recordsTotal)
	prometheus.MustRegister(sweepDuration)
}

func observeSweep(start time.Time) {
	sweepsTotal.Inc()
	sweepDuration.Observe(time.Since(start).Seconds())
}

func recordOutcome(typ changes.AutomationType, outcome string) {
	recordsTotal.WithLabelValues(string(typ), outcome).Inc()
}
