package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/workerfarm/internal/engine"
	"github.com/seantiz/workerfarm/internal/model"
	"github.com/seantiz/workerfarm/internal/protocol"
	"github.com/seantiz/workerfarm/internal/store"
	"github.com/seantiz/workerfarm/internal/worker"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// callRequest is the JSON body for POST /v1/calls and /v1/calls/async.
type callRequest struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
	// TimeoutMS bounds a synchronous call. Zero means no limit beyond the
	// client connection.
	TimeoutMS int `json:"timeout_ms"`
}

// callResponse is the JSON response of a synchronous call.
type callResponse struct {
	Method   string            `json:"method"`
	WorkerID *int              `json:"worker_id,omitempty"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    *callErrorPayload `json:"error,omitempty"`
}

// callErrorPayload describes a failed call.
type callErrorPayload struct {
	Kind    string                     `json:"kind"`
	Message string                     `json:"message"`
	Stack   string                     `json:"stack,omitempty"`
	Extra   map[string]json.RawMessage `json:"extra,omitempty"`
	Fatal   bool                       `json:"fatal,omitempty"`
}

// listCallsResponse wraps the paginated list response.
type listCallsResponse struct {
	Calls  []*model.Call `json:"calls"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// decodeCall reads and validates a call request body.
func (s *Server) decodeCall(w http.ResponseWriter, r *http.Request) (callRequest, bool) {
	var req callRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	if req.Method == "" {
		req.Method = protocol.DefaultMethod
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return req, false
	}
	for _, a := range req.Args {
		if !json.Valid(a) {
			s.writeError(w, http.StatusBadRequest, "args must be JSON values")
			return req, false
		}
	}
	return req, true
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCall(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	// OnStart runs on a worker goroutine.
	var workerID atomic.Int64
	workerID.Store(-1)
	result, err := s.engine.CallWith(ctx, protocol.Call{Method: req.Method, Args: req.Args}, engine.CallOptions{
		OnStart: func(id int) { workerID.Store(int64(id)) },
	})

	resp := callResponse{Method: req.Method}
	if id := int(workerID.Load()); id >= 0 {
		resp.WorkerID = &id
	}
	if err != nil {
		status, payload := classifyCallError(err)
		observeCallFailure(status, payload.Fatal)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("call failed", "method", req.Method, "kind", payload.Kind, "error", err)
		}
		resp.Error = payload
		s.writeJSON(w, status, resp)
		return
	}

	resp.Result = result
	s.writeJSON(w, http.StatusOK, resp)
}

// classifyCallError maps a call failure to an HTTP status and a body.
func classifyCallError(err error) (int, *callErrorPayload) {
	payload := &callErrorPayload{Kind: engine.ErrorKind(err), Message: err.Error()}

	var ce *worker.CallError
	if errors.As(err, &ce) {
		payload.Message = ce.Message
		payload.Stack = ce.Stack
		payload.Extra = ce.Extra
		switch {
		case errors.Is(err, worker.ErrRetryLimit):
			payload.Fatal = true
			return http.StatusBadGateway, payload
		case errors.Is(err, worker.ErrSetup):
			return http.StatusInternalServerError, payload
		}
		return http.StatusUnprocessableEntity, payload
	}

	var ee *worker.ExitError
	switch {
	case errors.As(err, &ee):
		payload.Fatal = ee.Fatal()
		return http.StatusBadGateway, payload
	case errors.Is(err, engine.ErrUnknownMethod):
		return http.StatusNotFound, payload
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, payload
	case errors.Is(err, engine.ErrInterrupted), errors.Is(err, engine.ErrEnded):
		return http.StatusServiceUnavailable, payload
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads this.
		return http.StatusRequestTimeout, payload
	}
	return http.StatusInternalServerError, payload
}

// requireStore answers 503 when the server runs without a call journal.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "call journal is disabled")
		return false
	}
	return true
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := chi.URLParam(r, "id")

	c, err := s.store.GetCall(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		s.logger.Error("get call", "call_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get call")
		return
	}

	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	calls, total, err := s.store.ListCalls(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list calls", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}

	if calls == nil {
		calls = []*model.Call{}
	}

	s.writeJSON(w, http.StatusOK, listCallsResponse{
		Calls:  calls,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
