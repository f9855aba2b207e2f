package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/seantiz/workerfarm/internal/child"
	"github.com/seantiz/workerfarm/internal/protocol"
)

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	// Path is the worker binary. It must call child.Main when child.IsChild
	// reports true. Defaults to the running executable.
	Path string
	Args []string
	// Env holds extra KEY=VALUE pairs added to the inherited environment.
	Env []string
	Dir string
	// LogLevel is forwarded to the child's own diagnostics.
	LogLevel string
}

// ProcessSpawner starts each execution unit as an OS process. Requests flow
// over descriptor 3 and responses over descriptor 4 so that the unit's
// stdout and stderr remain free for module output.
type ProcessSpawner struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcessSpawner creates a ProcessSpawner.
func NewProcessSpawner(cfg ProcessConfig, logger *slog.Logger) *ProcessSpawner {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &ProcessSpawner{cfg: cfg, logger: logger}
}

// Capabilities implements Spawner.
func (s *ProcessSpawner) Capabilities() Capabilities {
	return Capabilities{
		Name:         BackendProcess,
		Isolation:    "process",
		MemoryMetric: "rss",
		Preemptible:  true,
	}
}

// Spawn implements Spawner.
func (s *ProcessSpawner) Spawn(ctx context.Context, opts SpawnOptions) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.cfg.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	var pipes []*os.File
	closeAll := func() {
		for _, f := range pipes {
			f.Close()
		}
	}
	newPipe := func() (r, w *os.File, err error) {
		r, w, err = os.Pipe()
		if err == nil {
			pipes = append(pipes, r, w)
		}
		return r, w, err
	}

	reqR, reqW, err := newPipe()
	if err != nil {
		return nil, fmt.Errorf("request pipe: %w", err)
	}
	respR, respW, err := newPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("response pipe: %w", err)
	}
	outR, outW, err := newPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := newPipe()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(path, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = outW
	cmd.Stderr = errW
	// ExtraFiles[i] becomes descriptor 3+i in the child.
	cmd.ExtraFiles = []*os.File{reqR, respW}
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, opts.Env...)
	cmd.Env = append(cmd.Env,
		child.EnvChild+"=1",
		child.EnvWorkerID+"="+strconv.Itoa(opts.WorkerID+1),
	)
	if s.cfg.LogLevel != "" {
		cmd.Env = append(cmd.Env, child.EnvLogLevel+"="+s.cfg.LogLevel)
	}

	if err := cmd.Start(); err != nil {
		closeAll()
		spawnsTotal.WithLabelValues(BackendProcess, spawnFailed).Inc()
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	spawnsTotal.WithLabelValues(BackendProcess, spawnStarted).Inc()

	// The child holds its own copies of these now.
	reqR.Close()
	respW.Close()
	outW.Close()
	errW.Close()

	pid := cmd.Process.Pid
	logger := s.logger.With("worker_id", opts.WorkerID, "pid", pid)
	logger.Debug("worker process started", "path", path)

	c := newChannel(reqW, respR, outR, errR, pid, logger)
	c.signal = func(sig os.Signal) error {
		err := cmd.Process.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return ErrClosed
		}
		return err
	}
	c.start()

	go func() {
		// Wait only returns an error without a ProcessState when the wait
		// itself failed; treat that as an abnormal exit.
		err := cmd.Wait()
		status := protocol.ExitStatus{Code: 1}
		if cmd.ProcessState != nil {
			status = processExitStatus(cmd.ProcessState)
		} else {
			logger.Error("wait for worker process", "error", err)
		}
		logger.Debug("worker process exited", "status", status.String())
		c.exit(status)
	}()

	return c, nil
}

// processExitStatus maps a finished process to an ExitStatus.
func processExitStatus(state *os.ProcessState) protocol.ExitStatus {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return protocol.ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	return protocol.ExitStatus{Code: state.ExitCode()}
}
