package module

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/seantiz/workerfarm/internal/protocol"
)

// scriptWrapper evaluates a CommonJS-style source into a function that
// populates module.exports.
const scriptWrapper = "(function(exports, module, require) {\n%s\n})"

// scriptModule is a JavaScript module evaluated in its own goja runtime.
// A goja runtime is not safe for concurrent use; mu serializes calls.
type scriptModule struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	exports *goja.Object
	current *Call

	stringify goja.Callable
	parse     goja.Callable
}

// LoadScript reads and evaluates the JavaScript file at path. The file
// exports operations CommonJS-style (module.exports / exports.name); a
// function assigned directly to module.exports is the default export.
// Inside the script, console.* writes to the worker's output streams and
// sendMessageToParent(payload) emits a custom message mid-call.
func LoadScript(path string) (Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return EvalScript(path, string(src))
}

// EvalScript evaluates src as a module named name.
func EvalScript(name, src string) (Module, error) {
	m := &scriptModule{vm: goja.New()}
	vm := m.vm

	jsonObj := vm.Get("JSON").ToObject(vm)
	m.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	m.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))

	if err := m.installGlobals(); err != nil {
		return nil, err
	}

	wrapped, err := vm.RunScript(name, fmt.Sprintf(scriptWrapper, src))
	if err != nil {
		return nil, scriptError(err)
	}
	fn, ok := goja.AssertFunction(wrapped)
	if !ok {
		return nil, fmt.Errorf("script %s: wrapper is not a function", name)
	}

	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	if err := moduleObj.Set("exports", exportsObj); err != nil {
		return nil, err
	}
	require := func(call goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("require(%q) is not supported in worker scripts", call.Argument(0).String()))
	}
	if _, err := fn(goja.Undefined(), exportsObj, moduleObj, vm.ToValue(require)); err != nil {
		return nil, scriptError(err)
	}

	m.exports = moduleObj.Get("exports").ToObject(vm)
	return m, nil
}

func (m *scriptModule) installGlobals() error {
	vm := m.vm

	console := vm.NewObject()
	write := func(stderr bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			var w io.Writer = io.Discard
			if m.current != nil {
				w = m.current.Stdout()
				if stderr {
					w = m.current.Stderr()
				}
			}
			fmt.Fprintln(w, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	for name, toStderr := range map[string]bool{"log": false, "info": false, "debug": false, "warn": true, "error": true} {
		if err := console.Set(name, write(toStderr)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	return vm.Set("sendMessageToParent", func(call goja.FunctionCall) goja.Value {
		if m.current == nil {
			panic(vm.NewTypeError("sendMessageToParent called outside of a call"))
		}
		raw, err := m.toJSON(call.Argument(0))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if err := m.current.SendMessage(raw); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
}

// Lookup implements Module.
func (m *scriptModule) Lookup(name string) (Func, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.exports.Get(name)
	if name == protocol.DefaultMethod {
		// A bare function assigned to module.exports is the default export.
		if fn, ok := goja.AssertFunction(m.exports); ok {
			return m.wrap(fn), true
		}
	}
	if target == nil || goja.IsUndefined(target) {
		return nil, false
	}
	fn, ok := goja.AssertFunction(target)
	if !ok {
		return nil, false
	}
	return m.wrap(fn), true
}

// Exports implements Module.
func (m *scriptModule) Exports() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	if _, ok := goja.AssertFunction(m.exports); ok {
		names = append(names, protocol.DefaultMethod)
	}
	for _, k := range m.exports.Keys() {
		if _, ok := goja.AssertFunction(m.exports.Get(k)); ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func (m *scriptModule) wrap(fn goja.Callable) Func {
	return func(c *Call) (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		args := make([]goja.Value, len(c.Args()))
		for i, raw := range c.Args() {
			v, err := m.parse(goja.Undefined(), m.vm.ToValue(string(raw)))
			if err != nil {
				return nil, scriptError(err)
			}
			args[i] = v
		}

		m.current = c
		defer func() { m.current = nil }()

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-c.Context().Done():
				m.vm.Interrupt(c.Context().Err())
			case <-stop:
			}
		}()
		defer func() {
			close(stop)
			wg.Wait()
			m.vm.ClearInterrupt()
		}()

		ret, err := fn(m.exports, args...)
		if err != nil {
			return nil, scriptError(err)
		}

		if p, ok := ret.Export().(*goja.Promise); ok {
			switch p.State() {
			case goja.PromiseStateFulfilled:
				ret = p.Result()
			case goja.PromiseStateRejected:
				return nil, m.thrownError(p.Result())
			default:
				return nil, Errorf("Error", "promise returned by call did not settle")
			}
		}

		raw, err := m.toJSON(ret)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// toJSON serializes v the way JSON.stringify would; undefined becomes null.
func (m *scriptModule) toJSON(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) {
		return json.RawMessage("null"), nil
	}
	s, err := m.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, scriptError(err)
	}
	if goja.IsUndefined(s) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(s.String()), nil
}

// thrownError converts a thrown JS value into an *Error carrying its name,
// message, stack and own enumerable fields.
func (m *scriptModule) thrownError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return &Error{Name: "Error", Message: v.String()}
	}

	e := &Error{Name: "Error", Message: obj.String()}
	if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
		e.Name = name.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		e.Message = msg.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		e.Stack = stack.String()
	}
	for _, k := range obj.Keys() {
		raw, err := m.toJSON(obj.Get(k))
		if err != nil {
			continue
		}
		e.WithField(k, raw)
	}
	return e
}

// scriptError unwraps goja exceptions into *Error values.
func scriptError(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		obj, ok := ex.Value().(*goja.Object)
		if !ok {
			return &Error{Name: "Error", Message: ex.Value().String()}
		}
		e := &Error{Name: "Error", Message: ex.Error()}
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			e.Name = name.String()
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			e.Message = msg.String()
		}
		e.Stack = ex.String()
		for _, k := range obj.Keys() {
			e.WithField(k, obj.Get(k).Export())
		}
		return e
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return Errorf("InterruptedError", "%v", interrupted.Value())
	}
	return err
}
