// Package stream merges the output of many short-lived sources into one
// reader that stays open until explicitly closed.
//
// Worker output streams come and go as backing units are respawned; a
// Merger lets consumers hold a single reader for the lifetime of the pool.
package stream

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultLimit is the default amount of unread data a Merger buffers before
// it starts dropping new writes.
const DefaultLimit = 4 << 20

// copyBufferSize is the chunk size used when draining a source.
const copyBufferSize = 32 << 10

// Merger is a reader fed by any number of sources. Reads block until data is
// available or the Merger is closed and drained. Writes never block: once
// Limit unread bytes are buffered, further data is dropped and counted, so a
// consumer that stops reading can never stall a worker. The first drop is
// logged at warn level.
type Merger struct {
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	closed  bool
	warned  bool
	sources sync.WaitGroup
	dropped atomic.Int64
}

// Options configures a Merger.
type Options struct {
	// Limit is the amount of unread data buffered before writes are
	// dropped. DefaultLimit if <= 0.
	Limit int
	// Name identifies the merger in log lines.
	Name   string
	Logger *slog.Logger
	// OnDrop is called with the size of every dropped chunk.
	OnDrop func(n int)
}

// New creates a Merger.
func New(opts Options) *Merger {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	m := &Merger{opts: opts}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// NewMerger creates a Merger buffering at most limit unread bytes
// (DefaultLimit if limit <= 0).
func NewMerger(limit int) *Merger {
	return New(Options{Limit: limit})
}

// Add starts copying r into the merger until r reaches EOF or fails.
// Closing a source never closes the merger.
func (m *Merger) Add(r io.Reader) {
	if r == nil {
		return
	}
	m.sources.Add(1)
	go func() {
		defer m.sources.Done()
		buf := make([]byte, copyBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				_, _ = m.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
}

// Write appends p to the buffer. It reports the whole of p as written even
// when some of it was dropped; it fails only after Close.
func (m *Merger) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.ErrClosedPipe
	}

	room := m.opts.Limit - len(m.buf)
	keep := len(p)
	drop := 0
	if keep > room {
		keep = max(room, 0)
		drop = len(p) - keep
		m.dropped.Add(int64(drop))
	}
	if keep > 0 {
		m.buf = append(m.buf, p[:keep]...)
		m.cond.Broadcast()
	}
	first := drop > 0 && !m.warned
	if first {
		m.warned = true
	}
	m.mu.Unlock()

	if drop > 0 {
		if first {
			m.opts.Logger.Warn("output buffer full, dropping output until it is read",
				"stream", m.opts.Name,
				"limit", m.opts.Limit,
			)
		}
		if m.opts.OnDrop != nil {
			m.opts.OnDrop(drop)
		}
	}
	return len(p), nil
}

// Read implements io.Reader.
func (m *Merger) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) == 0 {
		if m.closed {
			return 0, io.EOF
		}
		m.cond.Wait()
	}

	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	if len(m.buf) == 0 {
		m.buf = nil
	}
	return n, nil
}

// Dropped reports how many bytes were discarded because the buffer was full.
func (m *Merger) Dropped() int64 {
	return m.dropped.Load()
}

// Wait blocks until every source added so far has reached EOF.
func (m *Merger) Wait() {
	m.sources.Wait()
}

// Close waits for all sources to drain, then marks the merger closed.
// Readers see EOF once the remaining buffered data is consumed.
func (m *Merger) Close() error {
	m.sources.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("stream: merger already closed")
	}
	m.closed = true
	m.cond.Broadcast()
	return nil
}
