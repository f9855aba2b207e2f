package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"pgregory.net/rapid"
)

func TestWriteReadCallRequest(t *testing.T) {
	call, err := NewCall("add", 2, 3)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, CallRequest(call)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Request
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if decoded.Type != RequestCall {
		t.Errorf("Type = %q, want %q", decoded.Type, RequestCall)
	}
	if decoded.Method != "add" {
		t.Errorf("Method = %q, want add", decoded.Method)
	}
	if len(decoded.Args) != 2 || string(decoded.Args[0]) != "2" || string(decoded.Args[1]) != "3" {
		t.Errorf("Args = %s, want [2 3]", decoded.Args)
	}
}

func TestWriteReadErrorResponse(t *testing.T) {
	original := Response{
		Type: ResponseClientError,
		Error: &ErrorPayload{
			Kind:    "TypeError",
			Message: "boom",
			Stack:   "TypeError: boom\n    at add",
			Extra:   map[string]json.RawMessage{"code": json.RawMessage(`"E_ADD"`)},
		},
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, original); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var decoded Response
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if !decoded.Terminal() {
		t.Error("client error response should be terminal")
	}
	if decoded.Error == nil {
		t.Fatal("Error payload is nil")
	}
	if decoded.Error.Kind != "TypeError" || decoded.Error.Message != "boom" {
		t.Errorf("Error = %+v", decoded.Error)
	}
	if string(decoded.Error.Extra["code"]) != `"E_ADD"` {
		t.Errorf("Extra[code] = %s, want \"E_ADD\"", decoded.Error.Extra["code"])
	}
}

func TestResponseTerminal(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{ResponseOK, true},
		{ResponseClientError, true},
		{ResponseSetupError, true},
		{ResponseMemoryUsage, false},
		{ResponseCustom, false},
	}
	for _, tc := range tests {
		if got := (Response{Type: tc.typ}).Terminal(); got != tc.want {
			t.Errorf("Response{%s}.Terminal() = %v, want %v", tc.typ, got, tc.want)
		}
	}
}

func TestMultipleFramesStayOrdered(t *testing.T) {
	var buf bytes.Buffer
	for i := range 5 {
		payload, _ := json.Marshal(i)
		if err := WriteMessage(&buf, Response{Type: ResponseCustom, Payload: payload}); err != nil {
			t.Fatalf("WriteMessage[%d]: %v", i, err)
		}
	}

	for i := range 5 {
		var resp Response
		if err := ReadMessage(&buf, &resp); err != nil {
			t.Fatalf("ReadMessage[%d]: %v", i, err)
		}
		var got int
		if err := json.Unmarshal(resp.Payload, &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got != i {
			t.Errorf("frame %d carried %d", i, got)
		}
	}

	var resp Response
	if err := ReadMessage(&buf, &resp); !errors.Is(err, io.EOF) {
		t.Errorf("read past last frame: err = %v, want EOF", err)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var req Request
	if err := ReadMessage(buf, &req); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x64}) // length = 100
	buf.Write([]byte{0x7B, 0x7D})             // "{}"

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{
		byte(oversize >> 24), byte(oversize >> 16),
		byte(oversize >> 8), byte(oversize),
	})

	var req Request
	if err := ReadMessage(&buf, &req); err == nil {
		t.Fatal("expected error for oversized message")
	}
}

func TestMarshalArgsPassesRawThrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	args, err := MarshalArgs(raw, "x")
	if err != nil {
		t.Fatalf("MarshalArgs: %v", err)
	}
	if string(args[0]) != `{"a":1}` {
		t.Errorf("args[0] = %s", args[0])
	}
	if string(args[1]) != `"x"` {
		t.Errorf("args[1] = %s", args[1])
	}
}

func TestMarshalArgsRejectsUnserializable(t *testing.T) {
	if _, err := MarshalArgs(func() {}); err == nil {
		t.Fatal("expected error for function argument")
	}
}

func TestExitStatusString(t *testing.T) {
	if got := (ExitStatus{Code: 3}).String(); got != "exit status 3" {
		t.Errorf("String() = %q", got)
	}
	if got := (ExitStatus{Code: -1, Signal: "SIGABRT"}).String(); got != "SIGABRT" {
		t.Errorf("String() = %q", got)
	}
}

func TestFramesRoundTripInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		methods := rapid.SliceOfN(rapid.String(), 1, 8).Draw(t, "methods")
		var buf bytes.Buffer
		for i, m := range methods {
			c, err := NewCall(m, i)
			if err != nil {
				t.Fatalf("NewCall: %v", err)
			}
			if err := WriteMessage(&buf, CallRequest(c)); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
		}

		// Any cut inside the stream surfaces as an error, never a short frame.
		stream := buf.Bytes()
		cut := rapid.IntRange(0, len(stream)).Draw(t, "cut")
		r := bytes.NewReader(stream[:cut])
		for i := range methods {
			var req Request
			err := ReadMessage(r, &req)
			if err != nil {
				if cut == len(stream) {
					t.Fatalf("frame %d: %v", i, err)
				}
				return
			}
			if req.Type != RequestCall || req.Method != methods[i] || len(req.Args) != 1 {
				t.Fatalf("frame %d = %+v, want method %q", i, req, methods[i])
			}
			var n int
			if err := json.Unmarshal(req.Args[0], &n); err != nil || n != i {
				t.Fatalf("frame %d arg = %s", i, req.Args[0])
			}
		}
		if r.Len() != 0 {
			t.Fatalf("%d bytes left after the last frame", r.Len())
		}
	})
}
