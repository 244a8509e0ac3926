package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels shared by the counters below.
const (
	OutcomeOK           = "ok"
	OutcomeRetry        = "retry"
	OutcomeHalted       = "halted"
	OutcomeSkipped      = "skipped"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRejected     = "rejected"
	OutcomeError        = "error"
)

var (
	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Order intake attempts by outcome",
		},
		[]string{"outcome"},
	)

	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_stage_runs_total",
			Help: "Stage attempts by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_stage_duration_seconds",
			Help:    "Duration of a single stage attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_dead_letters_total",
			Help: "Tasks that exhausted their retry policy or chain budget",
		},
		[]string{"stage", "reason"},
	)

	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_compensations_total",
			Help: "Compensating actions run after a stage dead-lettered",
		},
		[]string{"stage", "outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .2, .4, .8, 1.6},
		},
		[]string{"method", "route"},
	)
)
