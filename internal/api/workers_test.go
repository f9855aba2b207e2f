package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/seantiz/workerfarm/internal/worker"
)

func TestListWorkers(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workers")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var infos []worker.Info
	decodeBody(t, resp, &infos)
	if len(infos) != 2 {
		t.Fatalf("len(workers) = %d, want 2", len(infos))
	}
	for i, info := range infos {
		if info.ID != i {
			t.Errorf("workers[%d].id = %d", i, info.ID)
		}
		// In-process units report the coordinator's pid.
		if info.Pid != os.Getpid() {
			t.Errorf("workers[%d].pid = %d, want %d", i, info.Pid, os.Getpid())
		}
	}
}

func TestGetWorker(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		path string
		want int
	}{
		{"/v1/workers/1", http.StatusOK},
		{"/v1/workers/2", http.StatusNotFound},
		{"/v1/workers/-1", http.StatusNotFound},
		{"/v1/workers/abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestWorkerMemory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workers/0/memory")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body workerMemoryResponse
	decodeBody(t, resp, &body)
	if body.ID != 0 || body.Bytes == 0 || body.Human == "" {
		t.Errorf("memory = %+v", body)
	}
}

func TestWorkerMemoryAfterEnd(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if _, err := srv.engine.End(t.Context(), true); err != nil {
		t.Fatalf("End: %v", err)
	}

	resp, err := http.Get(ts.URL + "/v1/workers/0/memory")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}
