package transport

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for spawn outcomes.
const (
	spawnStarted = "started"
	spawnFailed  = "failed"
)

var spawnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "farm_transport_spawns_total",
		Help: "Total number of execution units spawned, by backend and outcome.",
	},
	[]string{"backend", "outcome"},
)

func init() {
	prometheus.MustRegister(spawnsTotal)

	for _, b := range []string{BackendProcess, BackendInProcess} {
		spawnsTotal.WithLabelValues(b, spawnStarted)
		spawnsTotal.WithLabelValues(b, spawnFailed)
	}
}
