package worker

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/workerfarm/internal/stream"
)

// Metric label values for call outcomes.
const (
	outcomeOK          = "ok"
	outcomeClientError = "client_error"
	outcomeSetupError  = "setup_error"
	outcomeRetryLimit  = "retry_limit"
	outcomeExited      = "exited"
	outcomeCancelled   = "cancelled"
)

var (
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_worker_call_seconds",
			Help:    "Time from handing a call to a worker until its completion, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	spawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farm_worker_spawn_seconds",
			Help:    "Time taken to start an execution unit, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	crashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_worker_crashes_total",
			Help: "Total number of execution units that exited with a non-zero status and were respawned.",
		},
	)

	recyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_worker_recycles_total",
			Help: "Total number of planned execution unit restarts.",
		},
		[]string{"reason"},
	)

	outputDroppedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_worker_output_dropped_bytes_total",
			Help: "Total bytes of worker output dropped because nobody was reading it.",
		},
		[]string{"stream"},
	)

	idleMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_worker_idle_memory_bytes",
			Help: "Last memory usage reported by each worker while idle.",
		},
		[]string{"worker_id"},
	)
)

func init() {
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(spawnDuration)
	prometheus.MustRegister(crashesTotal)
	prometheus.MustRegister(recyclesTotal)
	prometheus.MustRegister(idleMemoryBytes)
	prometheus.MustRegister(outputDroppedBytes)

	for _, o := range []string{outcomeOK, outcomeClientError, outcomeSetupError, outcomeRetryLimit, outcomeExited, outcomeCancelled} {
		callDuration.WithLabelValues(o)
	}
	recyclesTotal.WithLabelValues(recycleMemory)
	for _, name := range []string{"stdout", "stderr"} {
		outputDroppedBytes.WithLabelValues(name)
	}
}

// outputMerger creates the merger for one of a worker's output streams.
func outputMerger(name string, logger *slog.Logger) *stream.Merger {
	counter := outputDroppedBytes.WithLabelValues(name)
	return stream.New(stream.Options{
		Name:   name,
		Logger: logger,
		OnDrop: func(n int) { counter.Add(float64(n)) },
	})
}
