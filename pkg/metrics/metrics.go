// Package metrics exposes the worker's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActionsTotal terminal action outcomes
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionworker_actions_total",
			Help: "Total number of processed actions by final state",
		},
		[]string{"state"},
	)

	ActionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "actionworker_action_duration_seconds",
			Help:    "Wall time from container start to exit",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// ReconcileHealed divergences repaired by the reconciliation sweep
	ReconcileHealed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionworker_reconcile_healed_total",
			Help: "Total number of divergences repaired by reconciliation by reason",
		},
		[]string{"reason"},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionworker_heartbeats_total",
			Help: "Total number of worker heartbeats by result",
		},
		[]string{"result"},
	)

	// JobFailures queue job failures by kind: hardware_retry, hardware_exhausted, unexpected
	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionworker_job_failures_total",
			Help: "Total number of failed action jobs by kind",
		},
		[]string{"kind"},
	)

	// BackgroundRuns periodic job runs by job name and result: ok, error, panic
	BackgroundRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionworker_background_runs_total",
			Help: "Total number of periodic background job runs by job and result",
		},
		[]string{"job", "result"},
	)
)

// reconcile reasons
const (
	ReasonNoContainer = "no_container"
	ReasonOrphan      = "orphan"
	ReasonNeverStart  = "never_started"
	ReasonTooOld      = "too_old"
	ReasonCrashed     = "crashed"
	ReasonExited      = "exited"
)

// job failure kinds
const (
	FailureHardwareRetry     = "hardware_retry"
	FailureHardwareExhausted = "hardware_exhausted"
	FailureUnexpected        = "unexpected"
)

func init() {
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(ReconcileHealed)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(JobFailures)
	prometheus.MustRegister(BackgroundRuns)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
