package api

import (
	"errors"
	"net/http"

	"github.com/seantiz/workerfarm/internal/engine"
	"github.com/seantiz/workerfarm/internal/model"
)

// asyncCallResponse is the JSON response for POST /v1/calls/async.
type asyncCallResponse struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Status string `json:"status"`
}

func (s *Server) handleAsyncCall(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	req, ok := s.decodeCall(w, r)
	if !ok {
		return
	}
	if req.TimeoutMS > 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms is only supported for synchronous calls")
		return
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}
	id, err := s.engine.Submit(r.Context(), req.Method, args...)
	switch {
	case errors.Is(err, engine.ErrUnknownMethod):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, engine.ErrInterrupted), errors.Is(err, engine.ErrEnded):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("submit async call", "method", req.Method, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit call")
		return
	}

	s.writeJSON(w, http.StatusAccepted, asyncCallResponse{
		ID:     id,
		Method: req.Method,
		Status: model.StatusPending,
	})
}
