// Package monitor exposes run counters over Prometheus. Metrics are
// registered once at import and served on the status listener.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Exchanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metercal_exchanges_total",
		Help: "Completed request/response exchanges.",
	})

	Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metercal_exchange_retries_total",
		Help: "Exchange attempts that timed out or were corrupted and were retried.",
	})

	ChecksumErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metercal_checksum_errors_total",
		Help: "Received frames rejected by the integrity check.",
	})

	StepsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metercal_steps_completed_total",
			Help: "Calibration steps completed, by step kind.",
		},
		[]string{"kind"},
	)

	StepsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metercal_steps_failed_total",
			Help: "Calibration steps failed, by step kind.",
		},
		[]string{"kind"},
	)

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metercal_active_sessions",
		Help: "Meter sessions currently running.",
	})

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metercal_sessions_total",
			Help: "Meter sessions reaching a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		Exchanges,
		Retries,
		ChecksumErrors,
		StepsCompleted,
		StepsFailed,
		ActiveSessions,
		SessionsTotal,
	)
}
