// Package transport connects a worker to its backing execution unit.
//
// A Spawner starts an execution unit and returns a Channel: an ordered,
// bidirectional message stream plus the unit's output streams and a way to
// signal it. Two backends are provided. The process backend forks an OS
// process and talks to it over inherited pipes. The in-process backend runs
// the worker bootstrap on a goroutine; messages are still serialized so
// that nothing but JSON crosses the boundary.
package transport

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/seantiz/workerfarm/internal/protocol"
)

// Backend names.
const (
	BackendProcess   = "process"
	BackendInProcess = "inprocess"
)

// ErrClosed is returned by Send once the execution unit has terminated.
var ErrClosed = errors.New("transport: channel closed")

// Event is a notification from an execution unit. Exactly one of Response
// and Exit is set.
type Event struct {
	Response *protocol.Response
	Exit     *protocol.ExitStatus
}

// Channel is the coordinator's end of the connection to one execution unit.
type Channel interface {
	// Send queues req for delivery. It never blocks; requests are delivered
	// in the order they were queued.
	Send(req protocol.Request) error

	// Events delivers responses in the order the unit produced them, then
	// exactly one Exit event, then is closed. A frame cut short by the
	// unit's termination is discarded.
	Events() <-chan Event

	// Stdout and Stderr reach EOF when the unit terminates. Callers must
	// drain them; a unit may stall on a full output stream.
	Stdout() io.Reader
	Stderr() io.Reader

	// Pid reports the operating system process hosting the unit.
	Pid() int

	// Signal delivers sig to the unit.
	Signal(sig os.Signal) error
}

// SpawnOptions configures one execution unit.
type SpawnOptions struct {
	// WorkerID is the 0-based id of the owning worker.
	WorkerID int
	// Env holds extra KEY=VALUE pairs for the unit's environment.
	Env []string
}

// Capabilities describes a backend.
type Capabilities struct {
	Name string `json:"name"`
	// Isolation is "process" or "goroutine".
	Isolation string `json:"isolation"`
	// MemoryMetric names what memory usage reports measure.
	MemoryMetric string `json:"memory_metric"`
	// Preemptible reports whether signals stop a unit that is running a call.
	Preemptible bool `json:"preemptible"`
}

// Spawner starts execution units.
type Spawner interface {
	Spawn(ctx context.Context, opts SpawnOptions) (Channel, error)
	Capabilities() Capabilities
}
