// Package protocol defines the messages exchanged between the coordinator and
// a worker's backing execution unit, and the frame format used to carry them.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Coordinator→worker request types.
const (
	RequestInitialize  = "initialize"
	RequestCall        = "call"
	RequestMemoryUsage = "memory_usage"
	RequestEnd         = "end"
)

// Worker→coordinator response types.
const (
	ResponseOK          = "ok"
	ResponseClientError = "client_error"
	ResponseSetupError  = "setup_error"
	ResponseMemoryUsage = "memory_usage"
	ResponseCustom      = "custom"
)

// DefaultMethod names a module's default export.
const DefaultMethod = "default"

// Call is a unit of work: a method name and its serialized arguments.
type Call struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// NewCall serializes args and returns the resulting Call.
func NewCall(method string, args ...any) (Call, error) {
	raw, err := MarshalArgs(args...)
	if err != nil {
		return Call{}, err
	}
	return Call{Method: method, Args: raw}, nil
}

// MarshalArgs encodes each argument as its own JSON document.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		if r, ok := a.(json.RawMessage); ok {
			raw[i] = r
			continue
		}
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d: %w", i, err)
		}
		raw[i] = data
	}
	return raw, nil
}

// Request is the envelope for all coordinator→worker messages.
// Only the fields relevant to Type are populated.
type Request struct {
	Type string `json:"type"`

	// initialize
	Module    string            `json:"module,omitempty"`
	SetupArgs []json.RawMessage `json:"setup_args,omitempty"`

	// call
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`

	// end
	ForceExit bool `json:"force_exit,omitempty"`
}

// InitializeRequest names the module the worker must load before its first call.
func InitializeRequest(module string, setupArgs []json.RawMessage) Request {
	return Request{Type: RequestInitialize, Module: module, SetupArgs: setupArgs}
}

// CallRequest wraps c for transmission.
func CallRequest(c Call) Request {
	return Request{Type: RequestCall, Method: c.Method, Args: c.Args}
}

// EndRequest asks the worker to exit once it is idle.
func EndRequest(force bool) Request {
	return Request{Type: RequestEnd, ForceExit: force}
}

// MemoryUsageRequest asks the worker to report its idle memory usage.
func MemoryUsageRequest() Request {
	return Request{Type: RequestMemoryUsage}
}

// ErrorPayload carries an error raised inside the worker so the coordinator
// can rebuild an error of the same kind.
type ErrorPayload struct {
	Kind    string                     `json:"kind"`
	Message string                     `json:"message"`
	Stack   string                     `json:"stack,omitempty"`
	Extra   map[string]json.RawMessage `json:"extra,omitempty"`
}

// Response is the envelope for all worker→coordinator messages.
type Response struct {
	Type        string          `json:"type"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorPayload   `json:"error,omitempty"`
	MemoryBytes uint64          `json:"memory_bytes,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether r completes the call in flight.
func (r Response) Terminal() bool {
	switch r.Type {
	case ResponseOK, ResponseClientError, ResponseSetupError:
		return true
	}
	return false
}

// ExitStatus describes how a backing execution unit terminated.
// Signal is empty unless the unit was ended by a signal; Code is -1 in that case.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return s.Signal
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so a concurrent reader never sees a header without its body
	// when the writer is an unbuffered pipe.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
