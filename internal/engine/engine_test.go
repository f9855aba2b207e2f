package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/workerfarm/internal/child"
	"github.com/seantiz/workerfarm/internal/engine"
	"github.com/seantiz/workerfarm/internal/fixtures"
	"github.com/seantiz/workerfarm/internal/memlimit"
	"github.com/seantiz/workerfarm/internal/model"
	"github.com/seantiz/workerfarm/internal/protocol"
	"github.com/seantiz/workerfarm/internal/store"
	"github.com/seantiz/workerfarm/internal/transport"
	"github.com/seantiz/workerfarm/internal/worker"
)

func TestMain(m *testing.M) {
	if child.IsChild() {
		child.Main()
	}
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T, modulePath string, opts engine.Options) *engine.Engine {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if opts.Registry == nil && opts.Spawner == nil {
		opts.Registry = transport.NewDefaultRegistry(transport.ProcessConfig{}, logger)
	}
	if opts.Backend == "" {
		opts.Backend = transport.BackendInProcess
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	if opts.KillDelay == 0 {
		opts.KillDelay = 200 * time.Millisecond
	}
	eng, err := engine.New(modulePath, opts)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := eng.End(ctx, true); err != nil && !errors.Is(err, engine.ErrEnded) {
			t.Errorf("End: %v", err)
		}
	})
	return eng
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitForStatus polls the store until the call reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string) *model.Call {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c, err := s.GetCall(context.Background(), id)
		if err != nil {
			t.Fatalf("GetCall: %v", err)
		}
		if c.Status == expected {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("call %s did not reach status %q", id, expected)
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConcurrentCallsRespectWorkerCount(t *testing.T) {
	eng := newTestEngine(t, fixtures.Arith, engine.Options{NumWorkers: 2, MaxRetries: 1})
	ctx := testContext(t)

	var maxInFlight atomic.Int32
	onStart := func(int) {
		n := int32(eng.InFlight())
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	errs := make([]error, 5)
	for i := range 5 {
		wg.Go(func() {
			c, _ := protocol.NewCall("add", 2, 3)
			res, err := eng.CallWith(ctx, c, engine.CallOptions{OnStart: onStart})
			results[i], errs[i] = string(res), err
		})
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil || results[i] != "5" {
			t.Errorf("call %d = %s, %v; want 5", i, results[i], errs[i])
		}
	}
	if m := maxInFlight.Load(); m < 1 || m > 2 {
		t.Errorf("max in flight = %d, want between 1 and 2", m)
	}
}

func TestExtraCallWaitsForFreeWorker(t *testing.T) {
	eng := newTestEngine(t, fixtures.Arith, engine.Options{NumWorkers: 2})
	ctx := testContext(t)

	var mu sync.Mutex
	var starts, ends []time.Time
	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() {
			c, _ := protocol.NewCall("slow", 150)
			_, err := eng.CallWith(ctx, c, engine.CallOptions{OnStart: func(int) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
			}})
			if err != nil {
				t.Errorf("slow: %v", err)
			}
			mu.Lock()
			ends = append(ends, time.Now())
			mu.Unlock()
		})
	}
	wg.Wait()

	slices.SortFunc(starts, time.Time.Compare)
	slices.SortFunc(ends, time.Time.Compare)
	if len(starts) != 3 || len(ends) != 3 {
		t.Fatalf("starts = %d, ends = %d", len(starts), len(ends))
	}
	// The third call can only start once a worker freed up, which happens
	// just before the first caller is resolved.
	if starts[2].Before(starts[0].Add(140 * time.Millisecond)) {
		t.Errorf("third call started %s after the first, before any call could complete", starts[2].Sub(starts[0]))
	}
}

func TestQueueIsFIFO(t *testing.T) {
	eng := newTestEngine(t, fixtures.Arith, engine.Options{NumWorkers: 1})
	ctx := testContext(t)

	// Occupy the worker so the next calls queue up in submission order.
	blocker := make(chan error, 1)
	go func() {
		_, err := eng.Call(ctx, "slow", 500)
		blocker <- err
	}()
	eventually(t, "blocker to start", func() bool { return eng.InFlight() == 1 })

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := range 4 {
		c, _ := protocol.NewCall("add", i, 0)
		wg.Go(func() {
			eng.CallWith(ctx, c, engine.CallOptions{OnStart: func(int) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			}})
		})
		// Make the submission order deterministic.
		eventually(t, "call to queue", func() bool { return eng.Queued() == i+1 })
	}
	wg.Wait()
	if err := <-blocker; err != nil {
		t.Fatalf("blocker: %v", err)
	}

	if !slices.Equal(order, []int{0, 1, 2, 3}) {
		t.Errorf("start order = %v, want submission order", order)
	}
}

func TestCrashRetryLimitIsFatal(t *testing.T) {
	eng := newTestEngine(t, fixtures.Faults, engine.Options{
		NumWorkers: 1,
		MaxRetries: 3,
		Backend:    transport.BackendProcess,
	})
	ctx := testContext(t)
	counter := filepath.Join(t.TempDir(), "attempts")

	_, err := eng.Call(ctx, "crash", counter)
	if !errors.Is(err, worker.ErrRetryLimit) {
		t.Fatalf("err = %v, want ErrRetryLimit", err)
	}
	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if n := fixtures.CountAttempts(string(data)); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}

	select {
	case ferr := <-eng.Fatal():
		if !errors.Is(ferr, worker.ErrRetryLimit) {
			t.Errorf("fatal error = %v", ferr)
		}
	case <-time.After(time.Second):
		t.Error("retry exhaustion was not reported on Fatal()")
	}

	// The worker keeps accepting calls.
	if _, err := eng.Call(ctx, "noop"); err != nil {
		t.Errorf("call after retry exhaustion: %v", err)
	}
}

func TestAbortIsFatal(t *testing.T) {
	eng := newTestEngine(t, fixtures.Faults, engine.Options{NumWorkers: 1, MaxRetries: 3})
	ctx := testContext(t)

	_, err := eng.Call(ctx, "abort")
	var ee *worker.ExitError
	if !errors.As(err, &ee) || !ee.Fatal() {
		t.Fatalf("err = %v, want fatal ExitError", err)
	}
	select {
	case <-eng.Fatal():
	case <-time.After(time.Second):
		t.Error("abort was not reported on Fatal()")
	}
}

func TestClientErrorIsNotFatal(t *testing.T) {
	eng := newTestEngine(t, fixtures.Faults, engine.Options{NumWorkers: 1})
	ctx := testContext(t)

	_, err := eng.Call(ctx, "throw", "TypeError", "bad input")
	var ce *worker.CallError
	if !errors.As(err, &ce) || ce.Kind != "TypeError" {
		t.Fatalf("err = %v, want TypeError CallError", err)
	}
	select {
	case ferr := <-eng.Fatal():
		t.Errorf("client error reported as fatal: %v", ferr)
	default:
	}
}

func TestIdleMemoryLimitRecyclesWithoutRetry(t *testing.T) {
	eng := newTestEngine(t, fixtures.Arith, engine.Options{
		NumWorkers:      1,
		MaxRetries:      3,
		IdleMemoryLimit: memlimit.Limit{Bytes: 1},
	})
	ctx := testContext(t)

	if res, err := eng.Call(ctx, "add", 2, 3); err != nil || string(res) != "5" {
		t.Fatalf("add = %s, %v", res, err)
	}
	w, _ := eng.Pool().Worker(0)
	eventually(t, "recycle", func() bool { return w.Restarts() >= 1 })
	if w.Retries() != 0 {
		t.Errorf("Retries() = %d, want 0", w.Retries())
	}

	if res, err := eng.Call(ctx, "add", 2, 3); err != nil || string(res) != "5" {
		t.Fatalf("add after recycle = %s, %v", res, err)
	}
}

func TestMethods(t *testing.T) {
	eng := newTestEngine(t, fixtures.Arith, engine.Options{NumWorkers: 1})
	ctx := testContext(t)

	want := []string{"add", "default", "slow", "sum"}
	if got := eng.Methods(); !slices.Equal(got, want) {
		t.Errorf("Methods() = %v, want %v", got, want)
	}

	if _, err := eng.Call(ctx, "nope"); !errors.Is(err, engine.ErrUnknownMethod) {
		t.Errorf("unknown method err = %v", err)
	}
	if _, err := eng.Method("nope"); !errors.Is(err, engine.ErrUnknownMethod) {
		t.Errorf("Method(nope) err = %v", err)
	}

	sum, err := eng.Method("sum")
	if err != nil {
		t.Fatalf("Method(sum): %v", err)
	}
	if res, err := sum(ctx, 1, 2, 3); err != nil || string(res) != "6" {
		t.Errorf("sum = %s, %v", res, err)
	}

	// An empty method name dispatches to the default export.
	if res, err := eng.CallWith(ctx, protocol.Call{Args: mustArgs(t, 4, 5)}, engine.CallOptions{}); err != nil || string(res) != "9" {
		t.Errorf("default = %s, %v", res, err)
	}
}

func TestExposedMethodsRestrict(t *testing.T) {
	eng := newTestEngine(t, fixtures.Greeter, engine.Options{
		NumWorkers:     1,
		ExposedMethods: []string{"greet", "setup", "_private"},
	})
	if got := eng.Methods(); !slices.Equal(got, []string{"greet"}) {
		t.Errorf("Methods() = %v, want [greet]", got)
	}
	if _, err := eng.Call(testContext(t), "setup"); !errors.Is(err, engine.ErrUnknownMethod) {
		t.Errorf("setup err = %v, want ErrUnknownMethod", err)
	}
}

func TestUnloadableModuleAcceptsAnyMethod(t *testing.T) {
	eng := newTestEngine(t, "farm:does-not-exist", engine.Options{NumWorkers: 1})
	if eng.Methods() != nil {
		t.Errorf("Methods() = %v, want nil", eng.Methods())
	}
	_, err := eng.Call(testContext(t), "anything")
	if !errors.Is(err, worker.ErrSetup) {
		t.Errorf("err = %v, want ErrSetup", err)
	}
}

func TestCancelQueuedCall(t *testing.T) {
	eng := newTestEngine(t, fixtures.Faults, engine.Options{NumWorkers: 1})

	hangCtx, stopHang := context.WithCancel(context.Background())
	defer stopHang()
	go eng.Call(hangCtx, "hang")
	eventually(t, "hang to start", func() bool { return eng.InFlight() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.Call(ctx, "noop")
		done <- err
	}()
	eventually(t, "call to queue", func() bool { return eng.Queued() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled queued call did not return")
	}
	if eng.Queued() != 0 {
		t.Errorf("Queued() = %d after cancellation", eng.Queued())
	}
}

func TestCancelRunningCall(t *testing.T) {
	for _, backend := range []string{transport.BackendInProcess, transport.BackendProcess} {
		t.Run(backend, func(t *testing.T) {
			eng := newTestEngine(t, fixtures.Faults, engine.Options{NumWorkers: 1, Backend: backend})

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_, err := eng.Call(ctx, "hang")
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("err = %v, want DeadlineExceeded", err)
			}

			if _, err := eng.Call(testContext(t), "noop"); err != nil {
				t.Errorf("call after cancellation: %v", err)
			}
			w, _ := eng.Pool().Worker(0)
			if w.Retries() != 0 {
				t.Errorf("Retries() = %d, cancellation is not a crash", w.Retries())
			}
		})
	}
}

func TestInterrupt(t *testing.T) {
	eng := newTestEngine(t, fixtures.Faults, engine.Options{NumWorkers: 1})
	ctx := testContext(t)

	errs := make(chan error, 3)
	go func() {
		_, err := eng.Call(ctx, "hang")
		errs <- err
	}()
	eventually(t, "hang to start", func() bool { return eng.InFlight() == 1 })
	for range 2 {
		go func() {
			_, err := eng.Call(ctx, "noop")
			errs <- err
		}()
	}
	eventually(t, "calls to queue", func() bool { return eng.Queued() == 2 })

	eng.Interrupt()
	for range 3 {
		select {
		case err := <-errs:
			if !errors.Is(err, engine.ErrInterrupted) {
				t.Errorf("err = %v, want ErrInterrupted", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("interrupted call did not resolve")
		}
	}

	if _, err := eng.Call(ctx, "noop"); !errors.Is(err, engine.ErrInterrupted) {
		t.Errorf("call after Interrupt = %v, want ErrInterrupted", err)
	}
}

func TestCustomMessagesArriveBeforeResult(t *testing.T) {
	eng := newTestEngine(t, fixtures.Messages, engine.Options{NumWorkers: 1})

	var got []string
	c, _ := protocol.NewCall("progress", 3)
	res, err := eng.CallWith(testContext(t), c, engine.CallOptions{
		OnCustomMessage: func(p json.RawMessage) { got = append(got, string(p)) },
	})
	if err != nil || string(res) != "3" {
		t.Fatalf("progress = %s, %v", res, err)
	}
	want := []string{`{"of":3,"step":1}`, `{"of":3,"step":2}`, `{"of":3,"step":3}`}
	if !slices.Equal(got, want) {
		t.Errorf("messages = %v, want %v", got, want)
	}
}

func TestSubmitJournalsCall(t *testing.T) {
	s := newTestStore(t)
	eng := newTestEngine(t, fixtures.Messages, engine.Options{NumWorkers: 1, Store: s})

	id, err := eng.Submit(context.Background(), "progress", 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := waitForStatus(t, s, id, model.StatusCompleted)
	if string(rec.Result) != "2" {
		t.Errorf("result = %s, want 2", rec.Result)
	}
	if rec.Method != "progress" || rec.ArgsHash == "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.WorkerID == nil || *rec.WorkerID != 0 {
		t.Errorf("worker id = %v, want 0", rec.WorkerID)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil || rec.DurationMS == nil {
		t.Errorf("timings not recorded: %+v", rec)
	}

	msgs, err := s.GetMessages(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || string(msgs[1].Payload) != `{"of":2,"step":2}` {
		t.Errorf("messages = %+v", msgs)
	}

	// The call finished, so its message topic is closed.
	ch, unsub := eng.Broker().Subscribe(id)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("topic of a finished call is still open")
	}
}

func TestSubmitJournalsFailure(t *testing.T) {
	s := newTestStore(t)
	eng := newTestEngine(t, fixtures.Faults, engine.Options{NumWorkers: 1, Store: s})

	id, err := eng.Submit(context.Background(), "throw", "RangeError", "out of range")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Wait()

	rec := waitForStatus(t, s, id, model.StatusFailed)
	if rec.ErrorKind != "RangeError" || rec.Error != "RangeError: out of range" {
		t.Errorf("error = %q %q", rec.ErrorKind, rec.Error)
	}
}

func TestSubmitWithoutStore(t *testing.T) {
	eng := newTestEngine(t, fixtures.Arith, engine.Options{NumWorkers: 1})
	if _, err := eng.Submit(context.Background(), "add", 1, 2); !errors.Is(err, engine.ErrNoJournal) {
		t.Errorf("err = %v, want ErrNoJournal", err)
	}
}

func TestCancelledCallIsJournaled(t *testing.T) {
	s := newTestStore(t)
	eng := newTestEngine(t, fixtures.Faults, engine.Options{NumWorkers: 1, Store: s})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := eng.Call(ctx, "hang"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}

	calls, total, err := s.ListCalls(context.Background(), 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("ListCalls = %d, %v", total, err)
	}
	rec := waitForStatus(t, s, calls[0].ID, model.StatusCancelled)
	if rec.ErrorKind != "Cancelled" {
		t.Errorf("error kind = %q, want Cancelled", rec.ErrorKind)
	}
}

func TestEnd(t *testing.T) {
	eng := newTestEngine(t, fixtures.Arith, engine.Options{NumWorkers: 2})
	ctx := testContext(t)

	if _, err := eng.Call(ctx, "add", 1, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := eng.End(ctx, false)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.ForceExited {
		t.Error("ForceExited = true for idle workers")
	}
	if _, err := eng.Call(ctx, "add", 1, 1); !errors.Is(err, engine.ErrEnded) {
		t.Errorf("Call after End = %v, want ErrEnded", err)
	}
	if _, err := eng.End(ctx, false); !errors.Is(err, engine.ErrEnded) {
		t.Errorf("second End = %v, want ErrEnded", err)
	}
	if _, err := io.ReadAll(eng.Stdout()); err != nil {
		t.Errorf("read stdout after End: %v", err)
	}
}

func mustArgs(t *testing.T, args ...any) []json.RawMessage {
	t.Helper()
	raw, err := protocol.MarshalArgs(args...)
	if err != nil {
		t.Fatalf("MarshalArgs: %v", err)
	}
	return raw
}
