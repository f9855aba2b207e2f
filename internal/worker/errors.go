package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/workerfarm/internal/protocol"
)

// Sentinel errors.
var (
	// ErrRetryLimit matches the error a call fails with once its execution
	// unit crashed more than MaxRetries times in a row.
	ErrRetryLimit = errors.New("exceeded retry limit")

	// ErrSetup matches errors raised by the module's setup export, or by
	// loading the module at all.
	ErrSetup = errors.New("module setup failed")

	// ErrCancelled is returned for a call whose execution unit was stopped
	// through Cancel.
	ErrCancelled = errors.New("call cancelled")

	// ErrEnded is returned once End has been called.
	ErrEnded = errors.New("worker has been ended")

	// ErrNotRunning is returned by memory queries while no execution unit is up.
	ErrNotRunning = errors.New("worker is not running")

	// ErrBusy is returned by Send while another call is in flight.
	ErrBusy = errors.New("worker is busy")
)

// RetryLimitKind is the kind of the error synthesized when the retry limit
// is exceeded.
const RetryLimitKind = "WorkerError"

// CallError is an error raised inside the execution unit, rebuilt on the
// coordinator side with its original kind, message, stack and extra fields.
type CallError struct {
	Kind    string
	Message string
	Stack   string
	Extra   map[string]json.RawMessage
	// Setup is set when the error came from loading or setting up the module.
	Setup bool

	retryLimit bool
}

func (e *CallError) Error() string {
	if e.Setup {
		return fmt.Sprintf("error when calling setup: %s: %s", e.Kind, e.Message)
	}
	return e.Kind + ": " + e.Message
}

// Is reports whether e matches ErrSetup or ErrRetryLimit.
func (e *CallError) Is(target error) bool {
	switch target {
	case ErrSetup:
		return e.Setup
	case ErrRetryLimit:
		return e.retryLimit
	}
	return false
}

// Field decodes the extra field key into v. It reports false when the field
// is absent.
func (e *CallError) Field(key string, v any) (bool, error) {
	raw, ok := e.Extra[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func newCallError(p *protocol.ErrorPayload, setup bool) *CallError {
	if p == nil {
		p = &protocol.ErrorPayload{Kind: "Error", Message: "unknown error"}
	}
	return &CallError{
		Kind:    p.Kind,
		Message: p.Message,
		Stack:   p.Stack,
		Extra:   p.Extra,
		Setup:   setup,
	}
}

func retryLimitError(id, crashes int) *CallError {
	return &CallError{
		Kind:       RetryLimitKind,
		Message:    fmt.Sprintf("worker %d encountered %d child process exceptions, exceeding retry limit", id, crashes),
		Extra:      map[string]json.RawMessage{"type": json.RawMessage(`"` + RetryLimitKind + `"`)},
		retryLimit: true,
	}
}

// ExitError reports a call lost because its execution unit terminated.
type ExitError struct {
	Status protocol.ExitStatus
	fatal  bool
}

func (e *ExitError) Error() string {
	return "process exited unexpectedly: " + e.Status.String()
}

// Fatal reports whether the unit was killed by a signal nobody sent on
// purpose, such as SIGABRT after running out of memory. Such calls are not
// retried.
func (e *ExitError) Fatal() bool { return e.fatal }
