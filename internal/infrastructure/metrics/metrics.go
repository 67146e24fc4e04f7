// Package metrics provides Prometheus metrics for the publish pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailpress"

var (
	// AdmissionsTotal counts intake decisions.
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of intake decisions by result",
		},
		[]string{"result"},
	)

	// AssemblyTotal counts article assembly outcomes.
	AssemblyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembly_total",
			Help:      "Total number of article assemblies by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// StageDuration measures how long each publish stage took, retries included.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of publish stages in seconds",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// StageRetries counts extra tries spent inside a stage.
	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of retried stage tries",
		},
		[]string{"stage"},
	)

	// AttemptsTotal counts terminal publish attempts.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of terminal publish attempts by outcome",
		},
		[]string{"outcome", "stage"},
	)

	// NotificationsTotal counts notification dispatches.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notification dispatches by status",
		},
		[]string{"kind", "status"},
	)

	// WorkersBusy tracks units of work currently running.
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Units of work currently being processed",
		},
	)
)

// RecordAdmission records an intake decision.
func RecordAdmission(result string) {
	AdmissionsTotal.WithLabelValues(result).Inc()
}

// RecordAssembly records an assembly outcome.
func RecordAssembly(provider, outcome string) {
	AssemblyTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordStage records a finished stage and the retries it needed.
func RecordStage(stage string, tries int, seconds float64) {
	StageDuration.WithLabelValues(stage).Observe(seconds)
	if tries > 1 {
		StageRetries.WithLabelValues(stage).Add(float64(tries - 1))
	}
}

// RecordAttempt records a terminal attempt.
func RecordAttempt(outcome, stage string) {
	AttemptsTotal.WithLabelValues(outcome, stage).Inc()
}

// RecordNotification records a dispatch result.
func RecordNotification(kind, status string) {
	NotificationsTotal.WithLabelValues(kind, status).Inc()
}
