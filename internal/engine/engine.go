package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/workerfarm/internal/memlimit"
	"github.com/seantiz/workerfarm/internal/model"
	"github.com/seantiz/workerfarm/internal/module"
	"github.com/seantiz/workerfarm/internal/pool"
	"github.com/seantiz/workerfarm/internal/protocol"
	"github.com/seantiz/workerfarm/internal/store"
	"github.com/seantiz/workerfarm/internal/transport"
	"github.com/seantiz/workerfarm/internal/worker"
)

// DefaultMaxRetries is the retry budget used by the farm's configuration.
const DefaultMaxRetries = 3

// fatalBuffer is how many fatal errors Fatal holds before dropping.
const fatalBuffer = 16

var (
	// ErrUnknownMethod is returned for a method the module does not expose.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrInterrupted is returned for calls rejected or cancelled by Interrupt,
	// and for calls made afterwards.
	ErrInterrupted = errors.New("engine interrupted")

	// ErrEnded is returned for calls made after End.
	ErrEnded = errors.New("engine has been ended")

	// ErrNoJournal is returned by Submit when no store is configured.
	ErrNoJournal = errors.New("no call journal configured")
)

// Options configures an Engine.
type Options struct {
	// NumWorkers defaults to DefaultNumWorkers.
	NumWorkers      int
	MaxRetries      int
	SetupArgs       []json.RawMessage
	IdleMemoryLimit memlimit.Limit

	Backend  string
	Registry *transport.Registry
	Spawner  transport.Spawner
	Env      []string
	// KillDelay is the grace period between SIGTERM and SIGKILL.
	KillDelay time.Duration

	// ExposedMethods restricts the callable methods. When empty, the module
	// is loaded once in the coordinator to list its exports.
	ExposedMethods []string

	// Store journals every call when set.
	Store  store.Store
	Logger *slog.Logger
}

// CallOptions observe one call.
type CallOptions struct {
	// OnStart runs when a worker picks the call up.
	OnStart func(workerID int)
	// OnCustomMessage receives the call's custom messages in order, all of
	// them before the call resolves.
	OnCustomMessage func(payload json.RawMessage)
}

// CallFunc invokes one method of the module.
type CallFunc func(ctx context.Context, args ...any) (json.RawMessage, error)

// DefaultNumWorkers leaves one CPU to the coordinator.
func DefaultNumWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

type outcome struct {
	result json.RawMessage
	err    error
}

type task struct {
	id       string
	call     protocol.Call
	opts     CallOptions
	enqueued time.Time
	started  time.Time
	done     chan outcome

	// Guarded by Engine.mu.
	worker      *worker.Worker
	sent        bool
	finished    bool
	cancelled   bool
	interrupted bool
	seq         int
}

// Engine dispatches calls onto a worker pool.
type Engine struct {
	pool    *pool.Pool
	store   store.Store
	logger  *slog.Logger
	broker  *Broker
	methods []string

	mu          sync.Mutex
	queue       []*task
	busy        []bool
	running     map[int]*task
	next        int
	interrupted bool
	ended       bool

	fatal chan error
	wg    sync.WaitGroup
}

// New starts a worker pool for modulePath and returns an engine dispatching
// onto it.
func New(modulePath string, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = DefaultNumWorkers()
	}

	methods, err := exposedMethods(modulePath, opts.ExposedMethods)
	if err != nil {
		opts.Logger.Warn("list module exports, accepting any method", "module", modulePath, "error", err)
	}

	p, err := pool.New(modulePath, pool.Options{
		NumWorkers:      opts.NumWorkers,
		MaxRetries:      opts.MaxRetries,
		SetupArgs:       opts.SetupArgs,
		IdleMemoryLimit: opts.IdleMemoryLimit,
		Spawner:         opts.Spawner,
		Backend:         opts.Backend,
		Registry:        opts.Registry,
		Env:             opts.Env,
		KillDelay:       opts.KillDelay,
		Logger:          opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		pool:    p,
		store:   opts.Store,
		logger:  opts.Logger,
		broker:  NewBroker(),
		methods: methods,
		busy:    make([]bool, p.Size()),
		running: make(map[int]*task),
		fatal:   make(chan error, fatalBuffer),
	}, nil
}

// exposedMethods returns the callable method names. Names starting with an
// underscore and the setup export are never exposed.
func exposedMethods(modulePath string, explicit []string) ([]string, error) {
	names := explicit
	if len(names) == 0 {
		mod, err := module.Load(modulePath)
		if err != nil {
			return nil, err
		}
		names = mod.Exports()
	}
	var methods []string
	for _, name := range names {
		if strings.HasPrefix(name, "_") || name == module.SetupExport {
			continue
		}
		methods = append(methods, name)
	}
	slices.Sort(methods)
	return slices.Compact(methods), nil
}

// Pool returns the underlying worker pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Broker returns the broker publishing the custom messages of journaled calls.
func (e *Engine) Broker() *Broker { return e.broker }

// Store returns the call journal, or nil.
func (e *Engine) Store() store.Store { return e.store }

// Stdout merges the standard output of every worker.
func (e *Engine) Stdout() io.Reader { return e.pool.Stdout() }

// Stderr merges the standard error of every worker.
func (e *Engine) Stderr() io.Reader { return e.pool.Stderr() }

// Fatal delivers errors that mean a worker's execution unit itself is
// unusable: an exhausted retry budget or an abnormal signal. Errors are
// dropped while the channel is full.
func (e *Engine) Fatal() <-chan error { return e.fatal }

// InFlight returns the number of calls assigned to a worker.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Accepting reports whether new calls are accepted: the engine has been
// neither interrupted nor ended.
func (e *Engine) Accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.interrupted && !e.ended
}

// Queued returns the number of calls waiting for a free worker.
func (e *Engine) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Methods lists the callable methods, or nil when any name is accepted.
func (e *Engine) Methods() []string {
	return slices.Clone(e.methods)
}

// Method returns a function calling the named method.
func (e *Engine) Method(name string) (CallFunc, error) {
	if err := e.checkMethod(name); err != nil {
		return nil, err
	}
	return func(ctx context.Context, args ...any) (json.RawMessage, error) {
		return e.Call(ctx, name, args...)
	}, nil
}

func (e *Engine) checkMethod(name string) error {
	if e.methods == nil || slices.Contains(e.methods, name) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownMethod, name)
}

// Call invokes method with args on the first free worker and waits for the
// result. Cancelling ctx removes a queued call from the queue or stops the
// execution unit running it.
func (e *Engine) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c, err := protocol.NewCall(method, args...)
	if err != nil {
		return nil, err
	}
	return e.CallWith(ctx, c, CallOptions{})
}

// CallWith is like Call for an already serialized call.
func (e *Engine) CallWith(ctx context.Context, c protocol.Call, opts CallOptions) (json.RawMessage, error) {
	t, err := e.enqueue(ctx, c, opts)
	if err != nil {
		return nil, err
	}
	return e.await(ctx, t)
}

// Submit journals a call and runs it in the background. It returns the
// call's journal id once the record has been created.
func (e *Engine) Submit(ctx context.Context, method string, args ...any) (string, error) {
	if e.store == nil {
		return "", ErrNoJournal
	}
	c, err := protocol.NewCall(method, args...)
	if err != nil {
		return "", err
	}
	t, err := e.enqueue(ctx, c, CallOptions{})
	if err != nil {
		return "", err
	}

	bg := context.WithoutCancel(ctx)
	e.wg.Go(func() {
		e.await(bg, t)
	})
	return t.id, nil
}

// Wait blocks until every submitted call has resolved.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) enqueue(ctx context.Context, c protocol.Call, opts CallOptions) (*task, error) {
	if c.Method == "" {
		c.Method = protocol.DefaultMethod
	}
	if err := e.checkMethod(c.Method); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &task{
		call:     c,
		opts:     opts,
		enqueued: time.Now(),
		done:     make(chan outcome, 1),
	}
	if e.store != nil {
		t.id = model.NewID()
		rec := &model.Call{
			ID:        t.id,
			Method:    c.Method,
			ArgsHash:  model.HashArgs(c.Args),
			Status:    model.StatusPending,
			CreatedAt: t.enqueued.UTC(),
		}
		if err := e.store.CreateCall(ctx, rec); err != nil {
			return nil, fmt.Errorf("create call record: %w", err)
		}
	}

	e.mu.Lock()
	switch {
	case e.interrupted:
		e.mu.Unlock()
		e.resolve(t, nil, ErrInterrupted)
		return nil, ErrInterrupted
	case e.ended:
		e.mu.Unlock()
		e.resolve(t, nil, ErrEnded)
		return nil, ErrEnded
	}
	e.queue = append(e.queue, t)
	queueDepth.Set(float64(len(e.queue)))
	e.mu.Unlock()

	e.logger.Debug("call queued", "method", c.Method, "call_id", t.id)
	e.dispatch()
	return t, nil
}

func (e *Engine) await(ctx context.Context, t *task) (json.RawMessage, error) {
	select {
	case o := <-t.done:
		return o.result, o.err
	case <-ctx.Done():
	}

	if e.abandon(t, ctx.Err()) {
		return nil, ctx.Err()
	}
	o := <-t.done
	if errors.Is(o.err, worker.ErrCancelled) {
		return nil, ctx.Err()
	}
	return o.result, o.err
}

// abandon gives up on t after its context ended. A queued call is removed
// and resolved with cause, for which abandon reports true. A running call
// has its execution unit stopped and resolves through the worker.
func (e *Engine) abandon(t *task, cause error) bool {
	e.mu.Lock()
	if t.finished {
		e.mu.Unlock()
		return false
	}
	if t.worker == nil {
		if i := slices.Index(e.queue, t); i >= 0 {
			e.queue = slices.Delete(e.queue, i, i+1)
			queueDepth.Set(float64(len(e.queue)))
		}
		t.finished = true
		e.mu.Unlock()
		e.resolve(t, nil, cause)
		return true
	}

	// While t is unfinished its worker stays reserved for it, so the call
	// being stopped is t's.
	t.cancelled = true
	if t.sent {
		e.logger.Debug("cancelling running call", "method", t.call.Method, "call_id", t.id, "worker_id", t.worker.ID())
		t.worker.Cancel()
	}
	e.mu.Unlock()
	return false
}

// dispatch hands queued calls to free workers in FIFO order. The search
// for a free worker starts after the last one picked.
func (e *Engine) dispatch() {
	e.mu.Lock()
	var assigned []*task
	for len(e.queue) > 0 {
		id := e.pickFreeLocked()
		if id < 0 {
			break
		}
		t := e.queue[0]
		e.queue = e.queue[1:]
		w, _ := e.pool.Worker(id)
		e.busy[id] = true
		e.running[id] = t
		t.worker = w
		inFlight.Inc()
		assigned = append(assigned, t)
	}
	queueDepth.Set(float64(len(e.queue)))
	e.mu.Unlock()

	for _, t := range assigned {
		e.start(t)
	}
}

func (e *Engine) pickFreeLocked() int {
	n := len(e.busy)
	for i := range n {
		id := (e.next + i) % n
		if !e.busy[id] {
			e.next = (id + 1) % n
			return id
		}
	}
	return -1
}

func (e *Engine) start(t *task) {
	w := t.worker
	err := w.Send(t.call, worker.Handlers{
		OnStart: func(w *worker.Worker) {
			e.onStart(t, w)
		},
		OnEnd: func(result json.RawMessage, err error) {
			e.finish(t, w, result, err)
		},
		OnCustomMessage: func(payload json.RawMessage) {
			e.onCustomMessage(t, payload)
		},
	})
	if err != nil {
		e.finish(t, w, nil, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t.sent = true
	// Cancellation may have raced with the handoff.
	if (t.cancelled || t.interrupted) && !t.finished {
		w.Cancel()
	}
}

func (e *Engine) onStart(t *task, w *worker.Worker) {
	started := time.Now()
	e.mu.Lock()
	t.started = started
	e.mu.Unlock()
	queueWait.Observe(started.Sub(t.enqueued).Seconds())
	e.logger.Debug("call started", "method", t.call.Method, "call_id", t.id, "worker_id", w.ID())

	if t.opts.OnStart != nil {
		t.opts.OnStart(w.ID())
	}
	if e.store != nil {
		id := w.ID()
		now := started.UTC()
		rec := &model.Call{ID: t.id, Status: model.StatusRunning, WorkerID: &id, StartedAt: &now}
		e.journal(rec)
	}
}

func (e *Engine) onCustomMessage(t *task, payload json.RawMessage) {
	if t.opts.OnCustomMessage != nil {
		t.opts.OnCustomMessage(payload)
	}
	if t.id == "" {
		return
	}
	e.mu.Lock()
	seq := t.seq
	t.seq++
	e.mu.Unlock()

	if err := e.store.InsertMessage(context.Background(), t.id, seq, payload); err != nil {
		e.logger.Error("failed to persist message", "call_id", t.id, "seq", seq, "error", err)
	}
	e.broker.Publish(t.id, payload)
}

// finish runs once per dispatched call, when its worker reports completion.
func (e *Engine) finish(t *task, w *worker.Worker, result json.RawMessage, err error) {
	e.mu.Lock()
	if t.finished {
		e.mu.Unlock()
		return
	}
	t.finished = true
	e.busy[w.ID()] = false
	delete(e.running, w.ID())
	interrupted := t.interrupted
	e.mu.Unlock()

	inFlight.Dec()
	if interrupted && errors.Is(err, worker.ErrCancelled) {
		err = ErrInterrupted
	}
	e.resolve(t, result, err)
	e.dispatch()
}

// resolve records the outcome of t and delivers it to the waiting caller.
func (e *Engine) resolve(t *task, result json.RawMessage, err error) {
	status := model.StatusCompleted
	switch {
	case err == nil:
	case cancellation(err):
		status = model.StatusCancelled
	default:
		status = model.StatusFailed
	}
	callsTotal.WithLabelValues(status).Inc()

	logger := e.logger.With("method", t.call.Method, "call_id", t.id)
	if isFatal(err) {
		fatalTotal.Inc()
		logger.Error("fatal worker failure", "error", err)
		select {
		case e.fatal <- err:
		default:
		}
	} else if err != nil {
		logger.Debug("call failed", "error", err)
	}

	if t.id != "" {
		e.journalResult(t, status, result, err)
		e.broker.Close(t.id)
	}
	t.done <- outcome{result: result, err: err}
}

func (e *Engine) journalResult(t *task, status string, result json.RawMessage, err error) {
	e.mu.Lock()
	started := t.started
	e.mu.Unlock()

	now := time.Now().UTC()
	rec := &model.Call{ID: t.id, Status: status, Result: result, FinishedAt: &now}
	if !started.IsZero() {
		started := started.UTC()
		dur := int(now.Sub(started).Milliseconds())
		rec.StartedAt = &started
		rec.DurationMS = &dur
		if w := t.worker; w != nil {
			id := w.ID()
			rec.WorkerID = &id
		}
	}
	if err != nil {
		rec.ErrorKind = ErrorKind(err)
		rec.Error = err.Error()
	}
	e.journal(rec)
}

// journal merges rec into the stored record. Journal failures never fail
// the call.
func (e *Engine) journal(rec *model.Call) {
	ctx := context.Background()
	cur, err := e.store.GetCall(ctx, rec.ID)
	if err != nil {
		e.logger.Error("failed to load call record", "call_id", rec.ID, "error", err)
		return
	}
	if model.Terminal(cur.Status) {
		return
	}
	if cur.Status == model.StatusPending && rec.Status == model.StatusCompleted {
		// A result always follows a start; record the start first.
		cur.Status = model.StatusRunning
		if err := e.store.UpdateCall(ctx, cur); err != nil {
			e.logger.Error("failed to update call record", "call_id", rec.ID, "error", err)
			return
		}
	}

	cur.Status = rec.Status
	if rec.WorkerID != nil {
		cur.WorkerID = rec.WorkerID
	}
	if rec.StartedAt != nil {
		cur.StartedAt = rec.StartedAt
	}
	if rec.Result != nil {
		cur.Result = rec.Result
	}
	if rec.ErrorKind != "" {
		cur.ErrorKind = rec.ErrorKind
		cur.Error = rec.Error
	}
	if rec.DurationMS != nil {
		cur.DurationMS = rec.DurationMS
	}
	if rec.FinishedAt != nil {
		cur.FinishedAt = rec.FinishedAt
	}
	if err := e.store.UpdateCall(ctx, cur); err != nil {
		e.logger.Error("failed to update call record", "call_id", rec.ID, "status", rec.Status, "error", err)
	}
}

// Interrupt rejects every queued call and stops the execution units of the
// calls in flight; all of them fail with ErrInterrupted, as does every call
// made afterwards.
func (e *Engine) Interrupt() {
	e.mu.Lock()
	if e.interrupted {
		e.mu.Unlock()
		return
	}
	e.interrupted = true
	queued := e.queue
	e.queue = nil
	queueDepth.Set(0)
	for _, t := range queued {
		t.finished = true
	}
	inFlightCalls := len(e.running)
	for _, t := range e.running {
		t.interrupted = true
		if t.sent {
			t.worker.Cancel()
		}
	}
	e.mu.Unlock()

	e.logger.Warn("engine interrupted", "queued", len(queued), "in_flight", inFlightCalls)
	for _, t := range queued {
		e.resolve(t, nil, ErrInterrupted)
	}
}

// End rejects queued calls with ErrEnded and shuts the pool down. A
// graceful end lets calls in flight finish unless ctx ends first.
func (e *Engine) End(ctx context.Context, force bool) (pool.EndResult, error) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return pool.EndResult{}, ErrEnded
	}
	e.ended = true
	queued := e.queue
	e.queue = nil
	queueDepth.Set(0)
	for _, t := range queued {
		t.finished = true
	}
	e.mu.Unlock()

	for _, t := range queued {
		e.resolve(t, nil, ErrEnded)
	}
	res, err := e.pool.End(ctx, force)
	e.wg.Wait()
	return res, err
}

func cancellation(err error) bool {
	return errors.Is(err, ErrInterrupted) ||
		errors.Is(err, worker.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// isFatal reports whether err means the execution unit itself is unusable.
func isFatal(err error) bool {
	if errors.Is(err, worker.ErrRetryLimit) {
		return true
	}
	var ee *worker.ExitError
	return errors.As(err, &ee) && ee.Fatal()
}

// ErrorKind classifies err the way the journal records it: the kind of a
// module error, or a fixed name for coordinator-side failures.
func ErrorKind(err error) string {
	var ce *worker.CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ee *worker.ExitError
	switch {
	case errors.As(err, &ee):
		return "ExitError"
	case errors.Is(err, ErrInterrupted):
		return "Interrupted"
	case errors.Is(err, worker.ErrCancelled), errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	case errors.Is(err, ErrEnded), errors.Is(err, worker.ErrEnded):
		return "Ended"
	}
	return "Error"
}
