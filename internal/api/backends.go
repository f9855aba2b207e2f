package api

import (
	"net/http"

	"github.com/seantiz/workerfarm/internal/transport"
)

// backendsResponse lists the registered backends and the one the pool
// runs on.
type backendsResponse struct {
	Active   string           `json:"active"`
	Backends []transport.Info `json:"backends"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	backends := []transport.Info{}
	if s.registry != nil {
		backends = s.registry.List()
	}
	s.writeJSON(w, http.StatusOK, backendsResponse{
		Active:   s.engine.Pool().Backend(),
		Backends: backends,
	})
}
