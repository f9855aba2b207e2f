// Package worker manages one long-lived worker: a slot that executes at most
// one call at a time on a backing execution unit, respawning that unit when
// it crashes or grows past its idle memory limit.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/seantiz/workerfarm/internal/memlimit"
	"github.com/seantiz/workerfarm/internal/protocol"
	"github.com/seantiz/workerfarm/internal/stream"
	"github.com/seantiz/workerfarm/internal/transport"
)

// DefaultKillDelay is how long a unit asked to stop gets before SIGKILL.
const DefaultKillDelay = 500 * time.Millisecond

// Exit codes a shell reports for SIGTERM and SIGKILL.
const (
	sigtermExitCode = 128 + int(syscall.SIGTERM)
	sigkillExitCode = 128 + int(syscall.SIGKILL)
)

const recycleMemory = "memory_limit"

// State is the lifecycle state of a worker.
type State int

const (
	StateSpawning State = iota
	StateReady
	StateBusy
	StateCrashed
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateShuttingDown:
		return "shutting_down"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Worker. They are fixed for its lifetime.
type Options struct {
	// ID is the 0-based index of the worker in its pool.
	ID         int
	ModulePath string
	SetupArgs  []json.RawMessage
	// MaxRetries is how many times a call is resent after its execution unit
	// crashed before the call fails with ErrRetryLimit.
	MaxRetries int
	// IdleMemoryLimit enables recycling of units whose idle memory usage
	// exceeds it.
	IdleMemoryLimit memlimit.Limit
	Spawner         transport.Spawner
	// Env holds extra KEY=VALUE pairs for every execution unit.
	Env       []string
	KillDelay time.Duration
	Logger    *slog.Logger
	// TotalMemory resolves fractional limits. Defaults to memlimit.TotalMemory.
	TotalMemory func() (uint64, error)
}

// Handlers receive the progress of one call. OnStart runs synchronously
// inside Send; the others run on the worker's event goroutine. None of them
// is called with worker locks held.
type Handlers struct {
	OnStart         func(w *Worker)
	OnEnd           func(result json.RawMessage, err error)
	OnCustomMessage func(payload json.RawMessage)
}

type pendingCall struct {
	call     protocol.Call
	handlers Handlers
	started  time.Time
	sent     bool
	// cancelled marks the call whose unit Cancel stopped.
	cancelled bool
}

type memResult struct {
	bytes uint64
	err   error
}

// Info is a point-in-time view of a worker.
type Info struct {
	ID              int    `json:"id"`
	Pid             int    `json:"pid"`
	State           State  `json:"state"`
	Retries         int    `json:"retries"`
	Restarts        int    `json:"restarts"`
	Spawns          int    `json:"spawns"`
	LastMemoryUsage uint64 `json:"last_memory_usage"`
	Method          string `json:"method,omitempty"`
	// OutputDropped counts output bytes discarded because the worker's
	// streams were not being read.
	OutputDropped int64 `json:"output_dropped_bytes"`
}

// Worker owns one execution unit at a time.
type Worker struct {
	opts   Options
	logger *slog.Logger

	stdout *stream.Merger
	stderr *stream.Merger

	mu       sync.Mutex
	state    State
	ch       transport.Channel
	gen      uint64
	pending  *pendingCall
	retries  int
	restarts int
	spawns   int

	memCheck       bool
	memQueried     bool
	memWaiters     []chan memResult
	lastMemory     uint64
	recyclePending bool

	// stopping is set while the current unit is being stopped by Cancel.
	// Calls accepted meanwhile wait for its replacement.
	stopping  bool
	ending    bool
	forced    bool
	killTimer *time.Timer

	exitOnce sync.Once
	exited   chan struct{}
}

// New creates a worker and starts its first execution unit. The target
// module is loaded by the unit on its first call.
func New(opts Options) (*Worker, error) {
	if opts.Spawner == nil {
		return nil, errors.New("worker: no spawner configured")
	}
	if opts.ModulePath == "" {
		return nil, errors.New("worker: module path is required")
	}
	if opts.KillDelay <= 0 {
		opts.KillDelay = DefaultKillDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.TotalMemory == nil {
		opts.TotalMemory = memlimit.TotalMemory
	}

	logger := opts.Logger.With("worker_id", opts.ID)
	w := &Worker{
		opts:   opts,
		logger: logger,
		stdout: outputMerger("stdout", logger),
		stderr: outputMerger("stderr", logger),
		exited: make(chan struct{}),
	}

	w.mu.Lock()
	err := w.spawnLocked()
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ID returns the worker's 0-based id.
func (w *Worker) ID() int { return w.opts.ID }

// Pid returns the process id of the current execution unit, or 0.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ch == nil {
		return 0
	}
	return w.ch.Pid()
}

// State returns the worker's lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Retries returns the number of crash respawns since the last Send.
func (w *Worker) Retries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retries
}

// Restarts returns the number of planned recycles.
func (w *Worker) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts
}

// Spawns returns the number of execution units started so far.
func (w *Worker) Spawns() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spawns
}

// LastMemoryUsage returns the last idle memory usage reported, in bytes.
func (w *Worker) LastMemoryUsage() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMemory
}

// Info returns a snapshot of the worker.
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		ID:              w.opts.ID,
		State:           w.state,
		Retries:         w.retries,
		Restarts:        w.restarts,
		Spawns:          w.spawns,
		LastMemoryUsage: w.lastMemory,
		OutputDropped:   w.stdout.Dropped() + w.stderr.Dropped(),
	}
	if w.ch != nil {
		info.Pid = w.ch.Pid()
	}
	if w.pending != nil {
		info.Method = w.pending.call.Method
	}
	return info
}

// Idle reports whether Send would accept a call.
func (w *Worker) Idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending == nil && !w.ending
}

// Stdout merges the standard output of every execution unit the worker has
// run. It stays open until the worker has been ended and its last unit exited.
func (w *Worker) Stdout() io.Reader { return w.stdout }

// Stderr is like Stdout for standard error.
func (w *Worker) Stderr() io.Reader { return w.stderr }

// Send hands call to the execution unit. It fails with ErrBusy if a call is
// already in flight and with ErrEnded after End. Exactly one of the
// completion handlers' OnEnd calls follows a successful Send.
func (w *Worker) Send(call protocol.Call, h Handlers) error {
	w.mu.Lock()
	if w.ending {
		w.mu.Unlock()
		return ErrEnded
	}
	if w.pending != nil {
		w.mu.Unlock()
		return ErrBusy
	}
	if w.ch == nil {
		if err := w.spawnLocked(); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	p := &pendingCall{call: call, handlers: h, started: time.Now()}
	w.pending = p
	w.retries = 0
	w.state = StateBusy
	w.mu.Unlock()

	if h.OnStart != nil {
		h.OnStart(w)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// The unit may have crashed in between and the call been resent.
	if w.pending == p && !p.sent && w.ch != nil && !w.stopping {
		p.sent = true
		if err := w.ch.Send(protocol.CallRequest(call)); err != nil {
			w.logger.Debug("queue call", "method", call.Method, "error", err)
		}
	}
	return nil
}

// Cancel stops the execution unit running the call in flight. The call
// fails with ErrCancelled unless its result arrives first. A call sent
// while the unit is stopping runs on its replacement. Cancel reports
// whether a call was in flight.
func (w *Worker) Cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil || w.ch == nil || w.ending {
		return false
	}
	w.pending.cancelled = true
	if w.stopping {
		return true
	}
	w.stopping = true
	w.logger.Debug("cancelling call", "method", w.pending.call.Method)
	w.ch.Send(protocol.EndRequest(true))
	w.killLocked()
	return true
}

// End shuts the worker down. A graceful end lets the call in flight finish
// and then asks the unit to exit; a forced end also sends SIGTERM and, after
// the kill delay, SIGKILL. Calling End(true) after End(false) escalates.
func (w *Worker) End(force bool) {
	w.mu.Lock()
	if w.ending {
		if force && !w.forced && w.ch != nil {
			w.forced = true
			w.ch.Send(protocol.EndRequest(true))
			w.killLocked()
		}
		w.mu.Unlock()
		return
	}

	w.ending = true
	w.forced = force
	w.memCheck = false
	w.recyclePending = false
	if w.ch == nil {
		w.state = StateExited
		w.mu.Unlock()
		w.finishShutdown()
		return
	}

	w.state = StateShuttingDown
	w.logger.Debug("ending worker", "force", force)
	w.ch.Send(protocol.EndRequest(force))
	if force {
		w.killLocked()
	}
	w.mu.Unlock()
}

// WaitForExit blocks until End has completed: the last execution unit has
// terminated and the worker's output streams are closed.
func (w *Worker) WaitForExit(ctx context.Context) error {
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exited is closed once End has completed.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// CheckMemoryUsage asks the unit for its memory usage and recycles it if the
// report exceeds the idle memory limit. A unit in the middle of a call is
// recycled once that call completes.
func (w *Worker) CheckMemoryUsage() {
	if !w.opts.IdleMemoryLimit.Enabled() {
		w.logger.Warn("memory usage of workers can only be checked if a limit is set")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.requestMemoryCheckLocked()
}

// MemoryUsage asks the unit for its current memory usage. Concurrent callers
// share one query. The answer is informational unless a check is pending.
func (w *Worker) MemoryUsage(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	if w.ch == nil || w.ending {
		w.mu.Unlock()
		return 0, ErrNotRunning
	}
	c := make(chan memResult, 1)
	w.memWaiters = append(w.memWaiters, c)
	w.queryMemoryLocked()
	w.mu.Unlock()

	select {
	case r := <-c:
		return r.bytes, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *Worker) requestMemoryCheckLocked() {
	if w.ch == nil || w.ending {
		return
	}
	w.memCheck = true
	w.queryMemoryLocked()
}

func (w *Worker) queryMemoryLocked() {
	if w.memQueried || w.ch == nil {
		return
	}
	w.memQueried = true
	if err := w.ch.Send(protocol.MemoryUsageRequest()); err != nil {
		w.logger.Debug("queue memory query", "error", err)
	}
}

// spawnLocked starts a fresh execution unit and makes it current.
func (w *Worker) spawnLocked() error {
	w.state = StateSpawning
	start := time.Now()
	ch, err := w.opts.Spawner.Spawn(context.Background(), transport.SpawnOptions{
		WorkerID: w.opts.ID,
		Env:      w.opts.Env,
	})
	if err != nil {
		w.ch = nil
		w.state = StateExited
		w.logger.Error("spawn execution unit", "error", err)
		return fmt.Errorf("spawn worker %d: %w", w.opts.ID, err)
	}
	spawnDuration.Observe(time.Since(start).Seconds())

	w.gen++
	w.ch = ch
	w.stopping = false
	w.spawns++
	w.memQueried = false
	w.stdout.Add(ch.Stdout())
	w.stderr.Add(ch.Stderr())

	if err := ch.Send(protocol.InitializeRequest(w.opts.ModulePath, w.opts.SetupArgs)); err != nil {
		w.logger.Debug("queue initialize", "error", err)
	}

	w.state = StateReady
	if w.pending != nil {
		w.state = StateBusy
	}
	w.logger.Debug("execution unit started", "pid", ch.Pid(), "spawns", w.spawns)

	go w.watch(ch, w.gen)
	return nil
}

func (w *Worker) watch(ch transport.Channel, gen uint64) {
	for ev := range ch.Events() {
		if ev.Exit != nil {
			w.handleExit(gen, *ev.Exit)
			continue
		}
		w.handleResponse(gen, *ev.Response)
	}
}

func (w *Worker) handleResponse(gen uint64, resp protocol.Response) {
	w.mu.Lock()
	if gen != w.gen {
		// A retired unit finishing up.
		w.mu.Unlock()
		return
	}

	var after func()
	switch resp.Type {
	case protocol.ResponseOK:
		after = w.completeLocked(resp.Result, nil, outcomeOK)
	case protocol.ResponseClientError:
		after = w.completeLocked(nil, newCallError(resp.Error, false), outcomeClientError)
	case protocol.ResponseSetupError:
		after = w.completeLocked(nil, newCallError(resp.Error, true), outcomeSetupError)
	case protocol.ResponseCustom:
		if p := w.pending; p != nil && p.handlers.OnCustomMessage != nil {
			fn, payload := p.handlers.OnCustomMessage, resp.Payload
			after = func() { fn(payload) }
		}
	case protocol.ResponseMemoryUsage:
		w.memoryReportLocked(resp.MemoryBytes)
	default:
		w.logger.Warn("unexpected response from execution unit", "type", resp.Type)
	}
	w.mu.Unlock()

	if after != nil {
		after()
	}
}

// completeLocked resolves the call in flight and returns the function that
// notifies its owner.
func (w *Worker) completeLocked(result json.RawMessage, err error, outcome string) func() {
	p := w.pending
	if p == nil {
		w.logger.Warn("completion with no call in flight", "outcome", outcome)
		return nil
	}
	w.pending = nil
	w.state = StateReady
	callDuration.WithLabelValues(outcome).Observe(time.Since(p.started).Seconds())

	switch {
	case w.recyclePending:
		w.recyclePending = false
		w.recycleLocked(recycleMemory)
	case w.opts.IdleMemoryLimit.Enabled():
		w.requestMemoryCheckLocked()
	}

	return endFunc(p, result, err)
}

func endFunc(p *pendingCall, result json.RawMessage, err error) func() {
	if p == nil || p.handlers.OnEnd == nil {
		return nil
	}
	onEnd := p.handlers.OnEnd
	return func() { onEnd(result, err) }
}

func (w *Worker) memoryReportLocked(used uint64) {
	w.lastMemory = used
	w.memQueried = false
	idleMemoryBytes.WithLabelValues(strconv.Itoa(w.opts.ID)).Set(float64(used))

	for _, c := range w.memWaiters {
		c <- memResult{bytes: used}
	}
	w.memWaiters = nil

	if !w.memCheck {
		return
	}
	w.memCheck = false

	limit := w.resolveLimit()
	if limit == 0 || used <= limit || w.ending {
		return
	}
	w.logger.Info("idle memory limit exceeded",
		"memory", humanize.IBytes(used),
		"limit", humanize.IBytes(limit),
	)
	if w.pending != nil {
		w.recyclePending = true
		return
	}
	w.recycleLocked(recycleMemory)
}

func (w *Worker) resolveLimit() uint64 {
	l := w.opts.IdleMemoryLimit
	if l.Bytes > 0 || !l.Enabled() {
		return l.Resolve(0)
	}
	total, err := w.opts.TotalMemory()
	if err != nil {
		w.logger.Warn("resolve fractional memory limit", "error", err)
		return 0
	}
	return l.Resolve(total)
}

// recycleLocked replaces an idle unit with a fresh one and retires the old
// unit. The retry counter is left alone: a planned restart is not a fault.
func (w *Worker) recycleLocked(reason string) {
	old := w.ch
	w.restarts++
	recyclesTotal.WithLabelValues(reason).Inc()
	w.logger.Info("recycling execution unit", "reason", reason, "restarts", w.restarts)

	if err := w.spawnLocked(); err != nil {
		w.logger.Error("respawn after recycle", "error", err)
	}
	if old != nil {
		w.retire(old)
	}
	if len(w.memWaiters) > 0 {
		w.queryMemoryLocked()
	}
}

// retire asks a unit that is no longer current to exit and kills it if it
// has not done so within the kill delay.
func (w *Worker) retire(ch transport.Channel) {
	ch.Send(protocol.EndRequest(false))
	time.AfterFunc(w.opts.KillDelay, func() {
		if err := ch.Signal(syscall.SIGKILL); err == nil {
			w.logger.Warn("retired execution unit killed", "pid", ch.Pid())
		}
	})
}

// killLocked sends SIGTERM to the current unit and SIGKILL after the kill
// delay unless it has exited by then.
func (w *Worker) killLocked() {
	ch := w.ch
	if ch == nil {
		return
	}
	if err := ch.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, transport.ErrClosed) {
		w.logger.Warn("signal execution unit", "signal", "SIGTERM", "error", err)
	}
	if w.killTimer != nil {
		w.killTimer.Stop()
	}
	w.killTimer = time.AfterFunc(w.opts.KillDelay, func() {
		ch.Signal(syscall.SIGKILL)
	})
}

func (w *Worker) handleExit(gen uint64, status protocol.ExitStatus) {
	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}

	w.ch = nil
	if w.killTimer != nil {
		w.killTimer.Stop()
		w.killTimer = nil
	}
	for _, c := range w.memWaiters {
		c <- memResult{err: ErrNotRunning}
	}
	w.memWaiters = nil
	w.memQueried = false
	w.memCheck = false
	w.recyclePending = false

	p := w.pending
	logger := w.logger.With("status", status.String())

	var after func()
	switch {
	case w.ending:
		w.pending = nil
		w.state = StateExited
		logger.Debug("execution unit exited after end")
		if p != nil {
			callDuration.WithLabelValues(outcomeExited).Observe(time.Since(p.started).Seconds())
			after = endFunc(p, nil, ErrEnded)
		}
		w.mu.Unlock()
		if after != nil {
			after()
		}
		w.finishShutdown()
		return

	case w.stopping:
		logger.Debug("execution unit stopped for cancellation")
		after = w.replaceStoppedLocked(p)

	case controlledSignal(status):
		// Killed by someone else: not a crash of the module.
		w.pending = nil
		w.state = StateExited
		logger.Warn("execution unit terminated")
		if p != nil {
			callDuration.WithLabelValues(outcomeExited).Observe(time.Since(p.started).Seconds())
			after = endFunc(p, nil, &ExitError{Status: status})
		}

	case status.Signal != "":
		// Typically SIGABRT after running out of memory. Respawning would
		// only make matters worse, so the call fails.
		w.pending = nil
		w.state = StateExited
		logger.Error("process exited unexpectedly")
		if p != nil {
			callDuration.WithLabelValues(outcomeExited).Observe(time.Since(p.started).Seconds())
			after = endFunc(p, nil, &ExitError{Status: status, fatal: true})
		}

	case status.Code == 0:
		w.pending = nil
		w.state = StateExited
		logger.Debug("execution unit exited")
		if p != nil {
			callDuration.WithLabelValues(outcomeExited).Observe(time.Since(p.started).Seconds())
			after = endFunc(p, nil, &ExitError{Status: status})
		}

	default:
		after = w.crashLocked(status, p)
	}
	w.mu.Unlock()

	if after != nil {
		after()
	}
}

// replaceStoppedLocked respawns a unit stopped by Cancel. Only the cancelled
// call fails; a call that arrived after it is resent to the new unit
// without counting as a retry.
func (w *Worker) replaceStoppedLocked(p *pendingCall) func() {
	var after func()
	if p != nil && p.cancelled {
		w.pending = nil
		callDuration.WithLabelValues(outcomeCancelled).Observe(time.Since(p.started).Seconds())
		after = endFunc(p, nil, ErrCancelled)
		p = nil
	}
	if err := w.spawnLocked(); err != nil {
		w.logger.Error("respawn after cancellation", "error", err)
		if p != nil {
			w.pending = nil
			return endFunc(p, nil, err)
		}
		return after
	}
	if p != nil {
		p.sent = true
		if err := w.ch.Send(protocol.CallRequest(p.call)); err != nil {
			w.logger.Debug("send call", "method", p.call.Method, "error", err)
		}
	}
	return after
}

// crashLocked handles a unit that exited with a non-zero status: respawn,
// then resend the call in flight or fail it once the retry limit is spent.
func (w *Worker) crashLocked(status protocol.ExitStatus, p *pendingCall) func() {
	w.state = StateCrashed
	w.retries++
	crashesTotal.Inc()
	w.logger.Warn("execution unit crashed",
		"status", status.String(),
		"retries", w.retries,
		"max_retries", w.opts.MaxRetries,
	)

	if p == nil && w.retries > w.opts.MaxRetries {
		// Idle unit crashing over and over; respawn on the next Send instead.
		w.state = StateExited
		return nil
	}

	if err := w.spawnLocked(); err != nil {
		w.pending = nil
		return endFunc(p, nil, err)
	}
	if p == nil {
		return nil
	}

	if w.retries > w.opts.MaxRetries {
		w.pending = nil
		w.state = StateReady
		callDuration.WithLabelValues(outcomeRetryLimit).Observe(time.Since(p.started).Seconds())
		return endFunc(p, nil, retryLimitError(w.opts.ID, w.retries))
	}

	p.sent = true
	if err := w.ch.Send(protocol.CallRequest(p.call)); err != nil {
		w.logger.Debug("resend call", "method", p.call.Method, "error", err)
	}
	return nil
}

func (w *Worker) finishShutdown() {
	w.exitOnce.Do(func() {
		go func() {
			w.stdout.Close()
			w.stderr.Close()
			close(w.exited)
		}()
	})
}

// controlledSignal reports whether status is a termination the farm itself
// requests: SIGTERM or SIGKILL, directly or as reported by a shell.
func controlledSignal(status protocol.ExitStatus) bool {
	switch status.Signal {
	case "SIGTERM", "SIGKILL":
		return true
	case "":
		return status.Code == sigtermExitCode || status.Code == sigkillExitCode
	}
	return false
}
