// Package fixtures registers a set of small target modules used by the test
// suites and by the farm CLI for smoke testing a deployment. Importing the
// package for its side effects makes them loadable by path in any worker
// binary.
package fixtures

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/seantiz/workerfarm/internal/child"
	"github.com/seantiz/workerfarm/internal/module"
	"github.com/seantiz/workerfarm/internal/protocol"
)

// Module paths.
const (
	Arith    = "farm:arith"
	Faults   = "farm:faults"
	Messages = "farm:messages"
	Greeter  = "farm:greeter"
	Identity = "farm:identity"
)

func init() {
	module.RegisterExports(Arith, module.Exports{
		"add":  add,
		"sum":  sum,
		"slow": slow,
		protocol.DefaultMethod: func(c *module.Call) (any, error) {
			return add(c)
		},
	})

	module.RegisterExports(Faults, module.Exports{
		"crash": crash,
		"flaky": flaky,
		"abort": func(c *module.Call) (any, error) { module.Abort(); return nil, nil },
		"exit":  exitWith,
		"throw": throw,
		"panic": func(c *module.Call) (any, error) { panic("fixture panic") },
		"hang":  hang,
		"noop":  func(c *module.Call) (any, error) { return true, nil },
		// Process backend only: it changes the disposition of SIGTERM for
		// the whole process.
		"ignoreterm": ignoreTerm,
	})

	module.RegisterExports(Messages, module.Exports{
		"progress": progress,
		"ticker":   ticker,
	})

	module.Register(Greeter, newGreeter)

	module.RegisterExports(Identity, module.Exports{
		"whoami": func(c *module.Call) (any, error) {
			return map[string]any{
				"pid":       os.Getpid(),
				"worker_id": os.Getenv(child.EnvWorkerID),
			}, nil
		},
		"print": func(c *module.Call) (any, error) {
			var line string
			if err := c.Arg(0, &line); err != nil {
				return nil, err
			}
			fmt.Fprintln(c.Stdout(), line)
			return nil, nil
		},
	})
}

func add(c *module.Call) (any, error) {
	var a, b float64
	if err := c.Arg(0, &a); err != nil {
		return nil, err
	}
	if err := c.Arg(1, &b); err != nil {
		return nil, err
	}
	return a + b, nil
}

func sum(c *module.Call) (any, error) {
	var total float64
	for i := range c.NumArgs() {
		var v float64
		if err := c.Arg(i, &v); err != nil {
			return nil, err
		}
		total += v
	}
	return total, nil
}

// slow sleeps for the given number of milliseconds, then returns its second
// argument (or the duration slept).
func slow(c *module.Call) (any, error) {
	var ms int
	if err := c.Arg(0, &ms); err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-c.Context().Done():
		return nil, c.Context().Err()
	}
	if c.NumArgs() > 1 {
		var v any
		if err := c.Arg(1, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return ms, nil
}

// crash records an attempt in the file named by its first argument, then
// terminates the execution unit with status 1.
func crash(c *module.Call) (any, error) {
	if _, err := recordAttempt(c); err != nil {
		return nil, err
	}
	module.Exit(1)
	return nil, nil
}

// flaky crashes until it has been attempted more than the given number of
// times, then returns the attempt count.
func flaky(c *module.Call) (any, error) {
	var failures int
	if err := c.Arg(1, &failures); err != nil {
		return nil, err
	}
	n, err := recordAttempt(c)
	if err != nil {
		return nil, err
	}
	if n <= failures {
		module.Exit(1)
	}
	return n, nil
}

// ticker emits n custom messages, waiting ms milliseconds before each one.
func ticker(c *module.Call) (any, error) {
	var n, ms int
	if err := c.Arg(0, &n); err != nil {
		return nil, err
	}
	if err := c.Arg(1, &ms); err != nil {
		return nil, err
	}
	for i := 1; i <= n; i++ {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-c.Context().Done():
			return nil, c.Context().Err()
		}
		if err := c.SendMessage(map[string]int{"tick": i}); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// recordAttempt appends a line to the counter file named by argument 0 and
// returns the number of lines it now holds. A file survives respawns, which
// an in-memory counter in a worker process would not.
func recordAttempt(c *module.Call) (int, error) {
	var path string
	if err := c.Arg(0, &path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open counter: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, os.Getpid()); err != nil {
		return 0, fmt.Errorf("write counter: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return CountAttempts(string(data)), nil
}

// CountAttempts reports how many attempts a counter file's contents record.
func CountAttempts(contents string) int {
	return len(strings.Fields(contents))
}

func exitWith(c *module.Call) (any, error) {
	var code int
	if c.NumArgs() > 0 {
		if err := c.Arg(0, &code); err != nil {
			return nil, err
		}
	}
	module.Exit(code)
	return nil, nil
}

// throw fails with an error of the given kind and message; a third argument
// is attached as the "detail" field.
func throw(c *module.Call) (any, error) {
	var kind, msg string
	if err := c.Arg(0, &kind); err != nil {
		return nil, err
	}
	if err := c.Arg(1, &msg); err != nil {
		return nil, err
	}
	e := module.Errorf(kind, "%s", msg)
	if c.NumArgs() > 2 {
		var detail any
		if err := c.Arg(2, &detail); err != nil {
			return nil, err
		}
		e.WithField("detail", detail)
	}
	return nil, e
}

// hang blocks until the execution unit is told to stop.
func hang(c *module.Call) (any, error) {
	<-c.Context().Done()
	return nil, c.Context().Err()
}

// ignoreTerm stops the unit from reacting to SIGTERM, reports that it has
// done so and then stalls without watching its context.
func ignoreTerm(c *module.Call) (any, error) {
	signal.Ignore(syscall.SIGTERM)
	if err := c.SendMessage("ignoring SIGTERM"); err != nil {
		return nil, err
	}
	time.Sleep(time.Minute)
	return nil, nil
}

// progress emits n custom messages, then returns n.
func progress(c *module.Call) (any, error) {
	var n int
	if err := c.Arg(0, &n); err != nil {
		return nil, err
	}
	for i := 1; i <= n; i++ {
		if err := c.SendMessage(map[string]int{"step": i, "of": n}); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// greeter is configured by its setup export. Each execution unit gets its
// own instance.
type greeter struct {
	prefix string
}

func newGreeter() (module.Module, error) {
	g := &greeter{prefix: "hello"}
	return module.Exports{
		module.SetupExport: g.setup,
		"greet":            g.greet,
	}, nil
}

func (g *greeter) setup(c *module.Call) (any, error) {
	if c.NumArgs() == 0 {
		return nil, nil
	}
	var prefix string
	if err := c.Arg(0, &prefix); err != nil {
		return nil, err
	}
	if prefix == "" {
		return nil, module.Errorf("SetupError", "greeting prefix must not be empty")
	}
	g.prefix = prefix
	return nil, nil
}

func (g *greeter) greet(c *module.Call) (any, error) {
	var name string
	if err := c.Arg(0, &name); err != nil {
		return nil, err
	}
	return g.prefix + ", " + name, nil
}
