package child

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/seantiz/workerfarm/internal/memlimit"
	"github.com/seantiz/workerfarm/internal/protocol"
)

const (
	// EnvChild marks a process started by the process backend.
	EnvChild = "FARM_CHILD"
	// EnvWorkerID carries the 1-based id of the worker owning the process.
	EnvWorkerID = "FARM_WORKER_ID"
	// EnvLogLevel sets the level of the child's own diagnostics on stderr.
	EnvLogLevel = "FARM_CHILD_LOG_LEVEL"
)

// Descriptors inherited from the coordinator, after stdin/stdout/stderr.
const (
	RequestFD  = 3
	ResponseFD = 4
)

// IsChild reports whether the current process was started as a worker.
func IsChild() bool {
	return os.Getenv(EnvChild) == "1"
}

// Main runs the worker bootstrap on the inherited descriptors and exits the
// process with the resulting status. It never returns.
func Main() {
	in := os.NewFile(RequestFD, "requests")
	out := os.NewFile(ResponseFD, "responses")

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(os.Getenv(EnvLogLevel)),
	})).With("worker_id", os.Getenv(EnvWorkerID), "pid", os.Getpid())

	r := New(Options{
		In:          in,
		Out:         out,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		MemoryUsage: ProcessMemoryUsage,
		Logger:      logger,
	})
	// SIGTERM keeps its default action, so a terminated worker dies from the
	// signal even while a call is running.
	status := r.Serve(context.Background())
	out.Close()
	exit(status)
}

// exit terminates the process with status. Signal statuses are re-raised so
// the coordinator observes a signal termination.
func exit(status protocol.ExitStatus) {
	if status.Signal == "" {
		os.Exit(status.Code)
	}

	sig := unix.SignalNum(status.Signal)
	if sig == 0 {
		os.Exit(1)
	}
	if sig == syscall.SIGABRT {
		// The runtime re-raises SIGABRT with its default action only in
		// crash traceback mode.
		debug.SetTraceback("crash")
	}
	signal.Reset(sig)
	_ = syscall.Kill(os.Getpid(), sig)

	time.Sleep(time.Second)
	os.Exit(128 + int(sig))
}

// ProcessMemoryUsage reports the resident set size of the current process.
func ProcessMemoryUsage() (uint64, error) {
	return memlimit.ResidentMemory()
}

// HeapMemoryUsage reports the Go heap in use. Execution units that share the
// coordinator's process use it in place of the resident set size.
func HeapMemoryUsage() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
