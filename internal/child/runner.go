// Package child implements the worker side of the farm: it reads requests
// from the coordinator, loads the target module on the first call, executes
// calls one at a time and streams responses back.
//
// The module is loaded lazily so that a pool that is created but never used
// costs only the idle bootstrap.
package child

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/seantiz/workerfarm/internal/module"
	"github.com/seantiz/workerfarm/internal/protocol"
)

// Options configures a Runner.
type Options struct {
	// In carries requests from the coordinator.
	In io.Reader
	// Out carries responses to the coordinator.
	Out io.Writer
	// Stdout and Stderr are handed to module functions.
	Stdout io.Writer
	Stderr io.Writer
	// MemoryUsage samples the memory used by this execution unit.
	MemoryUsage func() (uint64, error)
	Logger      *slog.Logger
}

// Runner serves one coordinator connection.
type Runner struct {
	in          io.Reader
	out         io.Writer
	stdout      io.Writer
	stderr      io.Writer
	memoryUsage func() (uint64, error)
	logger      *slog.Logger

	// outMu serializes frames written by the call loop and by modules
	// sending custom messages from their own goroutines.
	outMu sync.Mutex

	modulePath string
	setupArgs  []json.RawMessage
	mod        module.Module
	loaded     bool
	setupErr   *protocol.ErrorPayload
}

// New creates a Runner.
func New(opts Options) *Runner {
	r := &Runner{
		in:          opts.In,
		out:         opts.Out,
		stdout:      opts.Stdout,
		stderr:      opts.Stderr,
		memoryUsage: opts.MemoryUsage,
		logger:      opts.Logger,
	}
	if r.stdout == nil {
		r.stdout = io.Discard
	}
	if r.stderr == nil {
		r.stderr = io.Discard
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return r
}

// Serve processes requests until the coordinator asks the unit to end, the
// request stream closes, or a module requests termination. It returns the
// status the execution unit should terminate with.
func (r *Runner) Serve(ctx context.Context) protocol.ExitStatus {
	for {
		var req protocol.Request
		if err := protocol.ReadMessage(r.in, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return protocol.ExitStatus{}
			}
			r.logger.Error("read request", "error", err)
			return protocol.ExitStatus{Code: 1}
		}

		switch req.Type {
		case protocol.RequestInitialize:
			r.modulePath = req.Module
			r.setupArgs = req.SetupArgs

		case protocol.RequestCall:
			if exit := r.handleCall(ctx, req); exit != nil {
				return *exit
			}

		case protocol.RequestMemoryUsage:
			r.reportMemoryUsage()

		case protocol.RequestEnd:
			r.logger.Debug("end requested", "force", req.ForceExit)
			return protocol.ExitStatus{}

		default:
			r.logger.Error("unexpected request from coordinator", "type", req.Type)
			return protocol.ExitStatus{Code: 1}
		}
	}
}

// handleCall runs one call. A non-nil return value means the module asked
// for the unit to terminate.
func (r *Runner) handleCall(ctx context.Context, req protocol.Request) *protocol.ExitStatus {
	if !r.loaded {
		if exit := r.load(ctx); exit != nil {
			return exit
		}
	}
	if r.setupErr != nil {
		r.send(protocol.Response{Type: protocol.ResponseSetupError, Error: r.setupErr})
		return nil
	}

	fn, ok := r.mod.Lookup(req.Method)
	if !ok {
		r.send(protocol.Response{
			Type: protocol.ResponseClientError,
			Error: &protocol.ErrorPayload{
				Kind:    "TypeError",
				Message: fmt.Sprintf("%s is not a function exported by %s", req.Method, r.modulePath),
			},
		})
		return nil
	}

	result, exit, err := r.invoke(ctx, fn, req.Args)
	if exit != nil {
		return exit
	}
	if err != nil {
		r.send(protocol.Response{Type: protocol.ResponseClientError, Error: errorPayload(err)})
		return nil
	}

	data, err := marshalResult(result)
	if err != nil {
		r.send(protocol.Response{Type: protocol.ResponseClientError, Error: errorPayload(err)})
		return nil
	}
	r.send(protocol.Response{Type: protocol.ResponseOK, Result: data})
	return nil
}

// load resolves the module and runs its setup export. A failure in either
// step is remembered and reported for every call made to this unit.
func (r *Runner) load(ctx context.Context) *protocol.ExitStatus {
	r.loaded = true

	mod, err := module.Load(r.modulePath)
	if err != nil {
		r.setupErr = errorPayload(err)
		r.logger.Warn("load module", "module", r.modulePath, "error", err)
		return nil
	}
	r.mod = mod

	setup, ok := mod.Lookup(module.SetupExport)
	if !ok {
		return nil
	}
	_, exit, err := r.invoke(ctx, setup, r.setupArgs)
	if exit != nil {
		return exit
	}
	if err != nil {
		r.setupErr = errorPayload(err)
		r.logger.Warn("module setup", "module", r.modulePath, "error", err)
	}
	return nil
}

// invoke runs fn, turning panics into errors. An *module.ExitRequest panic
// is returned as an exit status instead.
func (r *Runner) invoke(ctx context.Context, fn module.Func, args []json.RawMessage) (result any, exit *protocol.ExitStatus, err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if req, ok := rec.(*module.ExitRequest); ok {
			exit = &protocol.ExitStatus{Code: req.Code, Signal: req.Signal}
			return
		}
		err = &module.Error{
			Name:    "panic",
			Message: fmt.Sprint(rec),
			Stack:   string(debug.Stack()),
		}
	}()

	c := module.NewCall(ctx, args, r.stdout, r.stderr, r.sendCustom)
	result, err = fn(c)
	return result, nil, err
}

func (r *Runner) sendCustom(payload json.RawMessage) error {
	return r.send(protocol.Response{Type: protocol.ResponseCustom, Payload: payload})
}

func (r *Runner) reportMemoryUsage() {
	var used uint64
	if r.memoryUsage != nil {
		v, err := r.memoryUsage()
		if err != nil {
			r.logger.Warn("sample memory usage", "error", err)
		}
		used = v
	}
	r.send(protocol.Response{Type: protocol.ResponseMemoryUsage, MemoryBytes: used})
}

func (r *Runner) send(resp protocol.Response) error {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if err := protocol.WriteMessage(r.out, &resp); err != nil {
		r.logger.Debug("write response", "type", resp.Type, "error", err)
		return err
	}
	return nil
}

func marshalResult(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if raw == nil {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, module.Errorf("TypeError", "result is not serializable: %v", err)
	}
	return data, nil
}

// errorPayload captures err's kind, message, stack and extra fields. Errors
// may expose them through Kind, StackTrace and ExtraFields methods; the kind
// of any other error is its Go type name.
func errorPayload(err error) *protocol.ErrorPayload {
	p := &protocol.ErrorPayload{Message: err.Error()}

	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		p.Kind = kinded.Kind()
	} else {
		p.Kind = goKind(err)
	}

	var me *module.Error
	if errors.As(err, &me) {
		p.Message = me.Message
	}

	var stacked interface{ StackTrace() string }
	if errors.As(err, &stacked) {
		p.Stack = stacked.StackTrace()
	}

	var extra interface{ ExtraFields() map[string]any }
	if errors.As(err, &extra) {
		for k, v := range extra.ExtraFields() {
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[k] = data
		}
	}
	return p
}

// goKind names the dynamic type of err. Plain errors built by the errors and
// fmt packages are reported as "Error".
func goKind(err error) string {
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if strings.HasPrefix(name, "errors.") || strings.HasPrefix(name, "fmt.") {
		return "Error"
	}
	return name
}
