package child

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/seantiz/workerfarm/internal/module"
	"github.com/seantiz/workerfarm/internal/protocol"
)

var setupCalls atomic.Int32

func init() {
	module.RegisterExports("test:child", module.Exports{
		"add": func(c *module.Call) (any, error) {
			var a, b int
			if err := c.Arg(0, &a); err != nil {
				return nil, err
			}
			if err := c.Arg(1, &b); err != nil {
				return nil, err
			}
			return a + b, nil
		},
		"fail": func(c *module.Call) (any, error) {
			return nil, module.Errorf("ValidationError", "bad input").WithField("field", "name")
		},
		"plain": func(c *module.Call) (any, error) {
			return nil, errors.New("plain failure")
		},
		"boom": func(c *module.Call) (any, error) {
			panic("kaboom")
		},
		"exit": func(c *module.Call) (any, error) {
			module.Exit(3)
			return nil, nil
		},
		"chatty": func(c *module.Call) (any, error) {
			c.SendMessage(map[string]int{"step": 1})
			c.SendMessage(map[string]int{"step": 2})
			io.WriteString(c.Stdout(), "working\n")
			return "done", nil
		},
		"unserializable": func(c *module.Call) (any, error) {
			return func() {}, nil
		},
	})

	module.RegisterExports("test:child-setup", module.Exports{
		module.SetupExport: func(c *module.Call) (any, error) {
			setupCalls.Add(1)
			var prefix string
			if err := c.Arg(0, &prefix); err != nil {
				return nil, err
			}
			return nil, nil
		},
		"ping": func(c *module.Call) (any, error) { return "pong", nil },
	})

	module.RegisterExports("test:child-badsetup", module.Exports{
		module.SetupExport: func(c *module.Call) (any, error) {
			return nil, module.Errorf("SetupFailure", "cannot connect")
		},
		"ping": func(c *module.Call) (any, error) { return "pong", nil },
	})
}

// session drives a Runner over in-memory pipes.
type session struct {
	t      *testing.T
	reqs   chan protocol.Request
	reqW   *io.PipeWriter
	respR  *io.PipeReader
	stdout *strings.Builder
	done   chan protocol.ExitStatus
}

func startSession(t *testing.T, modulePath string, setupArgs ...any) *session {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	s := &session{
		t:      t,
		reqs:   make(chan protocol.Request, 16),
		reqW:   reqW,
		respR:  respR,
		stdout: &strings.Builder{},
		done:   make(chan protocol.ExitStatus, 1),
	}

	r := New(Options{
		In:          reqR,
		Out:         respW,
		Stdout:      s.stdout,
		MemoryUsage: func() (uint64, error) { return 4096, nil },
	})
	go func() {
		status := r.Serve(context.Background())
		respW.Close()
		s.done <- status
	}()

	raw, err := protocol.MarshalArgs(setupArgs...)
	if err != nil {
		t.Fatalf("marshal setup args: %v", err)
	}
	go func() {
		for req := range s.reqs {
			if err := protocol.WriteMessage(reqW, &req); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(s.reqs)
		reqW.Close()
	})

	s.send(protocol.InitializeRequest(modulePath, raw))
	return s
}

func (s *session) send(req protocol.Request) {
	s.reqs <- req
}

func (s *session) call(method string, args ...any) {
	s.t.Helper()
	c, err := protocol.NewCall(method, args...)
	if err != nil {
		s.t.Fatalf("NewCall: %v", err)
	}
	s.send(protocol.CallRequest(c))
}

func (s *session) next() protocol.Response {
	s.t.Helper()
	var resp protocol.Response
	if err := protocol.ReadMessage(s.respR, &resp); err != nil {
		s.t.Fatalf("read response: %v", err)
	}
	return resp
}

func (s *session) exit() protocol.ExitStatus {
	s.t.Helper()
	return <-s.done
}

func TestRunnerCallOK(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("add", 2, 3)

	resp := s.next()
	if resp.Type != protocol.ResponseOK || string(resp.Result) != "5" {
		t.Fatalf("response = %+v, want ok 5", resp)
	}
}

func TestRunnerCallsAreSequential(t *testing.T) {
	s := startSession(t, "test:child")
	for i := 0; i < 3; i++ {
		s.call("add", i, i)
	}
	for i := 0; i < 3; i++ {
		resp := s.next()
		want, _ := json.Marshal(i + i)
		if string(resp.Result) != string(want) {
			t.Errorf("response %d = %s, want %s", i, resp.Result, want)
		}
	}
}

func TestRunnerClientError(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("fail")

	resp := s.next()
	if resp.Type != protocol.ResponseClientError {
		t.Fatalf("type = %s, want client_error", resp.Type)
	}
	if resp.Error.Kind != "ValidationError" || resp.Error.Message != "bad input" {
		t.Errorf("error = %+v", resp.Error)
	}
	if string(resp.Error.Extra["field"]) != `"name"` {
		t.Errorf("extra = %s", resp.Error.Extra)
	}
}

func TestRunnerPlainErrorKind(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("plain")

	resp := s.next()
	if resp.Error == nil || resp.Error.Kind != "Error" || resp.Error.Message != "plain failure" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestRunnerUnknownMethod(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("nope")

	resp := s.next()
	if resp.Type != protocol.ResponseClientError || resp.Error.Kind != "TypeError" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRunnerRecoversPanic(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("boom")

	resp := s.next()
	if resp.Type != protocol.ResponseClientError || resp.Error.Kind != "panic" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Error.Message != "kaboom" || resp.Error.Stack == "" {
		t.Errorf("error = %+v", resp.Error)
	}

	// The unit keeps serving after a recovered panic.
	s.call("add", 1, 1)
	if resp := s.next(); string(resp.Result) != "2" {
		t.Errorf("follow-up = %+v", resp)
	}
}

func TestRunnerUnserializableResult(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("unserializable")

	resp := s.next()
	if resp.Type != protocol.ResponseClientError || resp.Error.Kind != "TypeError" {
		t.Errorf("response = %+v", resp)
	}
}

func TestRunnerExitRequest(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("exit")

	if status := s.exit(); status.Code != 3 || status.Signal != "" {
		t.Errorf("exit status = %+v, want code 3", status)
	}
}

func TestRunnerCustomMessagesPrecedeResult(t *testing.T) {
	s := startSession(t, "test:child")
	s.call("chatty")

	var types []string
	var payloads []string
	for {
		resp := s.next()
		types = append(types, resp.Type)
		if resp.Type == protocol.ResponseCustom {
			payloads = append(payloads, string(resp.Payload))
		}
		if resp.Terminal() {
			break
		}
	}
	want := []string{protocol.ResponseCustom, protocol.ResponseCustom, protocol.ResponseOK}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("response types = %v, want %v", types, want)
	}
	if payloads[0] != `{"step":1}` || payloads[1] != `{"step":2}` {
		t.Errorf("payloads = %v", payloads)
	}
	if s.stdout.String() != "working\n" {
		t.Errorf("stdout = %q", s.stdout.String())
	}
}

func TestRunnerSetupRunsOnce(t *testing.T) {
	before := setupCalls.Load()
	s := startSession(t, "test:child-setup", "prefix")
	s.call("ping")
	s.call("ping")
	for i := 0; i < 2; i++ {
		if resp := s.next(); string(resp.Result) != `"pong"` {
			t.Errorf("response %d = %+v", i, resp)
		}
	}
	if got := setupCalls.Load() - before; got != 1 {
		t.Errorf("setup ran %d times, want 1", got)
	}
}

func TestRunnerSetupErrorIsSticky(t *testing.T) {
	s := startSession(t, "test:child-badsetup")
	for i := 0; i < 2; i++ {
		s.call("ping")
		resp := s.next()
		if resp.Type != protocol.ResponseSetupError {
			t.Fatalf("call %d type = %s, want setup_error", i, resp.Type)
		}
		if resp.Error.Kind != "SetupFailure" || resp.Error.Message != "cannot connect" {
			t.Errorf("error = %+v", resp.Error)
		}
	}
}

func TestRunnerUnknownModuleIsSetupError(t *testing.T) {
	s := startSession(t, "test:missing-module")
	s.call("ping")
	if resp := s.next(); resp.Type != protocol.ResponseSetupError {
		t.Errorf("type = %s, want setup_error", resp.Type)
	}
}

func TestRunnerMemoryUsage(t *testing.T) {
	s := startSession(t, "test:child")
	s.send(protocol.MemoryUsageRequest())

	resp := s.next()
	if resp.Type != protocol.ResponseMemoryUsage || resp.MemoryBytes != 4096 {
		t.Errorf("response = %+v", resp)
	}
}

func TestRunnerEnd(t *testing.T) {
	s := startSession(t, "test:child")
	s.send(protocol.EndRequest(false))

	if status := s.exit(); status.Code != 0 || status.Signal != "" {
		t.Errorf("exit status = %+v, want clean", status)
	}
}

func TestRunnerClosedInputExitsCleanly(t *testing.T) {
	s := startSession(t, "test:child")
	s.reqW.Close()

	if status := s.exit(); status.Code != 0 {
		t.Errorf("exit status = %+v, want clean", status)
	}
}

func TestRunnerInvalidRequestExits(t *testing.T) {
	s := startSession(t, "test:child")
	s.send(protocol.Request{Type: "bogus"})

	if status := s.exit(); status.Code != 1 {
		t.Errorf("exit status = %+v, want code 1", status)
	}
}

func TestHeapMemoryUsage(t *testing.T) {
	n, err := HeapMemoryUsage()
	if err != nil || n == 0 {
		t.Errorf("HeapMemoryUsage() = %d, %v", n, err)
	}
}
