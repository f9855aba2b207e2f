package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats. The journal
// aggregates are zero when the server runs without a store.
type statsResponse struct {
	Workers          int            `json:"workers"`
	Backend          string         `json:"backend"`
	InFlight         int            `json:"in_flight"`
	Queued           int            `json:"queued"`
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByMethod         map[string]int `json:"by_method"`
	ByErrorKind      map[string]int `json:"by_error_kind"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	JournalAvailable bool           `json:"journal_available"`
	// OutputDroppedBytes counts merged worker output nobody read in time.
	OutputDroppedBytes int64 `json:"output_dropped_bytes"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Workers:     s.engine.Pool().Size(),
		Backend:     s.engine.Pool().Backend(),
		InFlight:    s.engine.InFlight(),
		Queued:      s.engine.Queued(),
		ByStatus:    map[string]int{},
		ByMethod:    map[string]int{},
		ByErrorKind: map[string]int{},

		OutputDroppedBytes: s.engine.Pool().OutputDropped(),
	}

	if s.store != nil {
		stats, err := s.store.GetCallStats(r.Context())
		if err != nil {
			s.logger.Error("get call stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.JournalAvailable = true
		resp.Total = stats.Total
		resp.ByStatus = stats.CountByStatus
		resp.ByMethod = stats.CountByMethod
		resp.ByErrorKind = stats.CountByErrorKind
		resp.AvgDurationMS = stats.AvgDurationMS
	}

	s.writeJSON(w, http.StatusOK, resp)
}
