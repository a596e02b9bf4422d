package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Draft generation metrics
	GenerationsTotal    *prometheus.CounterVec // by tier that produced the draft
	GenerationFailures  *prometheus.CounterVec // by stage
	GenerationDuration  prometheus.Histogram

	// Queue metrics
	QueueRetries *prometheus.CounterVec // by message kind
	QueueDropped *prometheus.CounterVec // attempt budget exhausted, by kind

	// Lock metrics
	LockContention prometheus.Counter
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		GenerationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "daybreak_generations_total",
			Help: "Total number of drafts generated by producing tier",
		}, []string{"source"}), // "llm", "deterministic", "fallback"

		GenerationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "daybreak_generation_failures_total",
			Help: "Total number of generation failures by stage",
		}, []string{"stage"}), // "oracle", "retrieval", "persist", "terminal"

		GenerationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "daybreak_generation_duration_seconds",
			Help:    "Draft generation latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 15, 30}, // oracle timeout is 12s
		}),

		QueueRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "daybreak_queue_retries_total",
			Help: "Total number of queue message redeliveries requested by kind",
		}, []string{"kind"}),

		QueueDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "daybreak_queue_dropped_total",
			Help: "Total number of queue messages dropped after exhausting attempts",
		}, []string{"kind"}),

		LockContention: promauto.NewCounter(prometheus.CounterOpts{
			Name: "daybreak_lock_contention_total",
			Help: "Total number of acquire attempts that found the lock held",
		}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance (nil until InitMetrics)
func GetMetrics() *Metrics {
	return globalMetrics
}
