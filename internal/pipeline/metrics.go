package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts completed turns by outcome.
	// Labels: outcome (answered, clarification, degraded, failed)
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policyd",
			Subsystem: "pipeline",
			Name:      "turns_total",
			Help:      "Total number of pipeline turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration tracks end-to-end turn latency.
	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "policyd",
			Subsystem: "pipeline",
			Name:      "turn_duration_seconds",
			Help:      "End-to-end duration of a pipeline turn in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// StageDuration tracks per-stage latency.
	// Labels: stage (analyze, retrieve, simplify, compose, persist)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "policyd",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"},
	)

	// StageFailures counts stage failures after retries were exhausted.
	// Labels: stage (analyze, retrieve, simplify, compose, persist)
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policyd",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Stage failures after retry exhaustion",
		},
		[]string{"stage"},
	)

	// InFlightTurns gauges turns currently holding a concurrency slot.
	InFlightTurns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "policyd",
			Subsystem: "pipeline",
			Name:      "in_flight_turns",
			Help:      "Number of turns currently executing",
		},
	)

	// QueueWaitDuration tracks how long turns wait for a concurrency slot.
	QueueWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "policyd",
			Subsystem: "pipeline",
			Name:      "queue_wait_duration_seconds",
			Help:      "Time spent waiting for a concurrency slot in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
