package pool

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/workerfarm/internal/stream"
)

var outputDroppedBytes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "farm_pool_output_dropped_bytes_total",
		Help: "Total bytes of merged pool output dropped because nobody was reading it.",
	},
	[]string{"stream"},
)

func init() {
	prometheus.MustRegister(outputDroppedBytes)
	for _, name := range []string{"stdout", "stderr"} {
		outputDroppedBytes.WithLabelValues(name)
	}
}

func outputMerger(name string, logger *slog.Logger) *stream.Merger {
	counter := outputDroppedBytes.WithLabelValues(name)
	return stream.New(stream.Options{
		Name:   "pool " + name,
		Logger: logger,
		OnDrop: func(n int) { counter.Add(float64(n)) },
	})
}
