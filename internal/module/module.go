// Package module defines the target modules a worker executes calls against.
//
// A module is looked up by path when a worker receives its first call. Paths
// registered with Register resolve to Go-native modules compiled into the
// worker binary; paths ending in ".js" are loaded from disk and evaluated in
// an embedded JavaScript runtime. Either way the worker only ever sees a
// Module: a capability lookup from export name to Func.
package module

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// SetupExport is the export invoked with the setup arguments right after a
// module is loaded. Modules without it need no setup.
const SetupExport = "setup"

// Func is one exported operation. Its result must be JSON-serializable.
type Func func(c *Call) (any, error)

// Module resolves export names to operations.
type Module interface {
	// Lookup returns the operation exported under name.
	Lookup(name string) (Func, bool)

	// Exports lists the exported names, sorted.
	Exports() []string
}

// Exports is a Module backed by a map of Go functions.
type Exports map[string]Func

// Lookup implements Module.
func (e Exports) Lookup(name string) (Func, bool) {
	fn, ok := e[name]
	return fn, ok
}

// Exports implements Module.
func (e Exports) Exports() []string {
	names := make([]string, 0, len(e))
	for name := range e {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call is the invocation context handed to a Func.
type Call struct {
	ctx    context.Context
	args   []json.RawMessage
	stdout io.Writer
	stderr io.Writer
	send   func(payload json.RawMessage) error
}

// NewCall builds a Call. send delivers custom messages to the coordinator and
// may be nil, in which case SendMessage fails.
func NewCall(ctx context.Context, args []json.RawMessage, stdout, stderr io.Writer, send func(json.RawMessage) error) *Call {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &Call{ctx: ctx, args: args, stdout: stdout, stderr: stderr, send: send}
}

// Context is cancelled when the backing execution unit is told to stop.
func (c *Call) Context() context.Context { return c.ctx }

// NumArgs returns the number of arguments.
func (c *Call) NumArgs() int { return len(c.args) }

// Args returns the raw serialized arguments.
func (c *Call) Args() []json.RawMessage { return c.args }

// Arg decodes argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.args) {
		return Errorf("RangeError", "argument %d out of range (have %d)", i, len(c.args))
	}
	if err := json.Unmarshal(c.args[i], v); err != nil {
		return Errorf("TypeError", "argument %d: %v", i, err)
	}
	return nil
}

// Stdout is the worker's standard output.
func (c *Call) Stdout() io.Writer { return c.stdout }

// Stderr is the worker's standard error.
func (c *Call) Stderr() io.Writer { return c.stderr }

// SendMessage streams payload to the coordinator without ending the call.
func (c *Call) SendMessage(payload any) error {
	if c.send == nil {
		return fmt.Errorf("custom messages are not supported here")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal custom message: %w", err)
	}
	return c.send(data)
}

// Error is an error with an explicit kind and extra fields that survive the
// trip to the coordinator.
type Error struct {
	Name    string
	Message string
	Stack   string
	Fields  map[string]any
}

// Errorf returns an *Error of the given kind.
func Errorf(kind, format string, args ...any) *Error {
	return &Error{Name: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.Name + ": " + e.Message }

// Kind reports the error kind.
func (e *Error) Kind() string { return e.Name }

// WithField attaches an extra field and returns e.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// StackTrace reports the stack captured where the error was raised, if any.
func (e *Error) StackTrace() string { return e.Stack }

// ExtraFields reports the extra fields.
func (e *Error) ExtraFields() map[string]any { return e.Fields }

// ExitRequest is the panic value raised by Exit and Abort. The worker-side
// bootstrap turns it into the termination of the backing execution unit.
type ExitRequest struct {
	Code   int
	Signal string
}

func (e *ExitRequest) Error() string {
	if e.Signal != "" {
		return "exit requested: " + e.Signal
	}
	return fmt.Sprintf("exit requested: status %d", e.Code)
}

// Exit terminates the backing execution unit with the given status. It must
// be called from the goroutine running the Func.
func Exit(code int) {
	panic(&ExitRequest{Code: code})
}

// Abort terminates the backing execution unit as if it had received SIGABRT.
func Abort() {
	panic(&ExitRequest{Code: -1, Signal: "SIGABRT"})
}
