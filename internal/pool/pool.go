// Package pool owns a fixed set of workers created together and torn down
// together. It holds no call state; dispatching is the engine's job.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/workerfarm/internal/memlimit"
	"github.com/seantiz/workerfarm/internal/stream"
	"github.com/seantiz/workerfarm/internal/transport"
	"github.com/seantiz/workerfarm/internal/worker"
)

// ErrEnded is returned by End when the pool has already been ended.
var ErrEnded = errors.New("pool has already been ended")

// Options configures a Pool.
type Options struct {
	NumWorkers      int
	MaxRetries      int
	SetupArgs       []json.RawMessage
	IdleMemoryLimit memlimit.Limit
	// Spawner starts the execution units. When nil, Backend is looked up in
	// Registry.
	Spawner   transport.Spawner
	Backend   string
	Registry  *transport.Registry
	Env       []string
	KillDelay time.Duration
	Logger    *slog.Logger
}

// EndResult reports how the pool was shut down.
type EndResult struct {
	// ForceExited is set when the workers were killed instead of being
	// allowed to exit on their own.
	ForceExited bool `json:"force_exited"`
}

// Pool is a fixed-size set of workers.
type Pool struct {
	workers []*worker.Worker
	backend string
	logger  *slog.Logger

	stdout *stream.Merger
	stderr *stream.Merger

	mu    sync.Mutex
	ended bool
}

// New creates NumWorkers workers for modulePath. Every worker is started
// before New returns; on failure the ones already started are killed.
func New(modulePath string, opts Options) (*Pool, error) {
	if opts.NumWorkers < 1 {
		return nil, fmt.Errorf("pool: NumWorkers must be at least 1, got %d", opts.NumWorkers)
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("pool: MaxRetries must not be negative, got %d", opts.MaxRetries)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	spawner := opts.Spawner
	backend := opts.Backend
	if spawner == nil {
		if opts.Registry == nil {
			return nil, errors.New("pool: either Spawner or Registry is required")
		}
		if backend == "" {
			backend = transport.BackendProcess
		}
		s, err := opts.Registry.Get(backend)
		if err != nil {
			return nil, fmt.Errorf("pool: %w", err)
		}
		spawner = s
	} else if backend == "" {
		backend = spawner.Capabilities().Name
	}

	p := &Pool{
		backend: backend,
		logger:  opts.Logger,
		stdout:  outputMerger("stdout", opts.Logger),
		stderr:  outputMerger("stderr", opts.Logger),
	}

	for id := range opts.NumWorkers {
		w, err := worker.New(worker.Options{
			ID:              id,
			ModulePath:      modulePath,
			SetupArgs:       opts.SetupArgs,
			MaxRetries:      opts.MaxRetries,
			IdleMemoryLimit: opts.IdleMemoryLimit,
			Spawner:         spawner,
			Env:             opts.Env,
			KillDelay:       opts.KillDelay,
			Logger:          opts.Logger,
		})
		if err != nil {
			for _, started := range p.workers {
				started.End(true)
			}
			return nil, fmt.Errorf("pool: %w", err)
		}
		p.workers = append(p.workers, w)
		p.stdout.Add(w.Stdout())
		p.stderr.Add(w.Stderr())
	}

	opts.Logger.Info("worker pool started",
		"module", modulePath,
		"workers", opts.NumWorkers,
		"backend", backend,
		"max_retries", opts.MaxRetries,
		"idle_memory_limit", opts.IdleMemoryLimit.String(),
	)
	return p, nil
}

// Backend returns the name of the backend the workers run on.
func (p *Pool) Backend() string { return p.backend }

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Workers returns the workers ordered by id.
func (p *Pool) Workers() []*worker.Worker {
	return append([]*worker.Worker(nil), p.workers...)
}

// Worker returns the worker with the given id.
func (p *Pool) Worker(id int) (*worker.Worker, bool) {
	if id < 0 || id >= len(p.workers) {
		return nil, false
	}
	return p.workers[id], true
}

// Stdout merges the standard output of every worker. It reaches EOF only
// after End has completed and every worker has exited.
func (p *Pool) Stdout() io.Reader { return p.stdout }

// Stderr is like Stdout for standard error.
func (p *Pool) Stderr() io.Reader { return p.stderr }

// OutputDropped reports how many bytes of merged output were discarded
// because Stdout or Stderr was not being read.
func (p *Pool) OutputDropped() int64 {
	return p.stdout.Dropped() + p.stderr.Dropped()
}

// End shuts every worker down and waits for them to exit. A graceful end
// that has not finished when ctx is done is escalated to a forced one, and
// the result reports ForceExited. End may only be called once.
func (p *Pool) End(ctx context.Context, force bool) (EndResult, error) {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return EndResult{}, ErrEnded
	}
	p.ended = true
	p.mu.Unlock()

	p.logger.Info("ending worker pool", "force", force)

	var (
		mu     sync.Mutex
		result = EndResult{ForceExited: force}
	)
	g := new(errgroup.Group)
	for _, w := range p.workers {
		g.Go(func() error {
			w.End(force)
			if err := w.WaitForExit(ctx); err == nil {
				return nil
			}
			p.logger.Warn("worker did not exit in time, forcing", "worker_id", w.ID())
			mu.Lock()
			result.ForceExited = true
			mu.Unlock()
			w.End(true)
			// The forced path is bounded by the kill delay.
			return w.WaitForExit(context.Background())
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("end pool: %w", err)
	}

	p.stdout.Close()
	p.stderr.Close()
	p.logger.Info("worker pool ended", "force_exited", result.ForceExited)
	return result, nil
}
