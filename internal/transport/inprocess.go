package transport

import (
	"context"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/seantiz/workerfarm/internal/child"
	"github.com/seantiz/workerfarm/internal/protocol"
)

// InProcessSpawner runs each execution unit on a goroutine inside the
// coordinator process. Requests and responses still cross as serialized
// frames over in-memory pipes.
//
// A goroutine cannot be preempted. Signal detaches the unit instead: its
// pipes are closed, its context is cancelled and the signal is reported as
// its exit status. A module that ignores its context keeps running until it
// returns, but its output no longer reaches anyone.
type InProcessSpawner struct {
	logger *slog.Logger
}

// NewInProcessSpawner creates an InProcessSpawner.
func NewInProcessSpawner(logger *slog.Logger) *InProcessSpawner {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &InProcessSpawner{logger: logger}
}

// Capabilities implements Spawner.
func (s *InProcessSpawner) Capabilities() Capabilities {
	return Capabilities{
		Name:         BackendInProcess,
		Isolation:    "goroutine",
		MemoryMetric: "heap",
		Preemptible:  false,
	}
}

// Spawn implements Spawner.
func (s *InProcessSpawner) Spawn(ctx context.Context, opts SpawnOptions) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	logger := s.logger.With("worker_id", opts.WorkerID, "backend", BackendInProcess)
	c := newChannel(reqW, respR, outR, errR, os.Getpid(), logger)

	runCtx, cancel := context.WithCancel(context.Background())
	detach := func(status protocol.ExitStatus) {
		cancel()
		reqR.CloseWithError(ErrClosed)
		respW.Close()
		outW.Close()
		errW.Close()
		c.exit(status)
	}

	c.signal = func(sig os.Signal) error {
		name := sig.String()
		if num, ok := sig.(unix.Signal); ok {
			name = unix.SignalName(num)
		}
		logger.Debug("detaching worker goroutine", "signal", name)
		detach(protocol.ExitStatus{Code: -1, Signal: name})
		return nil
	}

	runner := child.New(child.Options{
		In:          reqR,
		Out:         respW,
		Stdout:      outW,
		Stderr:      errW,
		MemoryUsage: child.HeapMemoryUsage,
		Logger:      logger,
	})

	c.start()
	spawnsTotal.WithLabelValues(BackendInProcess, spawnStarted).Inc()

	go func() {
		status := runner.Serve(runCtx)
		detach(status)
	}()

	return c, nil
}
