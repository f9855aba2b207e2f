package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/workerfarm/internal/worker"
)

const memoryQueryTimeout = 5 * time.Second

// workerMemoryResponse is the JSON response for GET /v1/workers/{id}/memory.
type workerMemoryResponse struct {
	ID    int    `json:"id"`
	Pid   int    `json:"pid"`
	Bytes uint64 `json:"bytes"`
	Human string `json:"human"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := s.engine.Pool().Workers()
	infos := make([]worker.Info, len(workers))
	for i, wk := range workers {
		infos[i] = wk.Info()
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// workerParam resolves the {id} URL parameter, writing 404 when it names no
// worker.
func (s *Server) workerParam(w http.ResponseWriter, r *http.Request) (*worker.Worker, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return nil, false
	}
	wk, ok := s.engine.Pool().Worker(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return nil, false
	}
	return wk, true
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.workerParam(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, wk.Info())
}

func (s *Server) handleWorkerMemory(w http.ResponseWriter, r *http.Request) {
	wk, ok := s.workerParam(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), memoryQueryTimeout)
	defer cancel()

	used, err := wk.MemoryUsage(ctx)
	switch {
	case errors.Is(err, worker.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "memory query timed out")
		return
	case err != nil:
		s.logger.Error("query worker memory", "worker_id", wk.ID(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query memory usage")
		return
	}

	s.writeJSON(w, http.StatusOK, workerMemoryResponse{
		ID:    wk.ID(),
		Pid:   wk.Pid(),
		Bytes: used,
		Human: humanize.IBytes(used),
	})
}
