package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for call results.
const (
	resultCompleted = "completed"
	resultFailed    = "failed"
	resultCancelled = "cancelled"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_engine_calls_total",
			Help: "Total number of calls resolved by the engine.",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farm_engine_queue_depth",
			Help: "Number of calls waiting for a free worker.",
		},
	)

	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farm_engine_in_flight",
			Help: "Number of calls currently assigned to a worker.",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farm_engine_queue_wait_seconds",
			Help:    "Time calls spent queued before a worker picked them up, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	fatalTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_engine_fatal_errors_total",
			Help: "Total number of calls that failed with a fatal worker error.",
		},
	)

	messagesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_engine_messages_dropped_total",
			Help: "Total number of custom messages dropped for slow subscribers.",
		},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(inFlight)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(fatalTotal)
	prometheus.MustRegister(messagesDroppedTotal)

	for _, r := range []string{resultCompleted, resultFailed, resultCancelled} {
		callsTotal.WithLabelValues(r)
	}
}
