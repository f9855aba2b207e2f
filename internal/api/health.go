package api

import (
	"net/http"

	"github.com/seantiz/workerfarm/internal/worker"
)

// healthResponse reports whether the farm takes calls and how much of the
// pool has a running execution unit.
type healthResponse struct {
	Status      string `json:"status"`
	Backend     string `json:"backend"`
	Workers     int    `json:"workers"`
	LiveWorkers int    `json:"live_workers"`
	InFlight    int    `json:"in_flight"`
	Queued      int    `json:"queued"`
}

// handleHealthz answers 503 once the engine stops accepting calls. Workers
// without a running unit are respawned on their next call, so they do not
// make the farm unhealthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	p := s.engine.Pool()
	resp := healthResponse{
		Status:   "ok",
		Backend:  p.Backend(),
		Workers:  p.Size(),
		InFlight: s.engine.InFlight(),
		Queued:   s.engine.Queued(),
	}
	for _, wk := range p.Workers() {
		if wk.State() != worker.StateExited {
			resp.LiveWorkers++
		}
	}

	status := http.StatusOK
	if !s.engine.Accepting() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
