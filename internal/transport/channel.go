package transport

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/seantiz/workerfarm/internal/protocol"
)

// eventBuffer is the number of events buffered ahead of the consumer.
const eventBuffer = 64

// channel is the Channel implementation shared by all backends. The backend
// supplies the pipes, a signal function and calls exit exactly when the unit
// has terminated.
type channel struct {
	requests  io.WriteCloser
	responses io.ReadCloser
	stdout    io.Reader
	stderr    io.Reader
	pid       int
	signal    func(sig os.Signal) error
	logger    *slog.Logger

	events chan Event

	mu      sync.Mutex
	pending []protocol.Request
	closed  bool
	wake    chan struct{}

	exitOnce sync.Once
	exited   chan struct{}
	status   protocol.ExitStatus
}

func newChannel(requests io.WriteCloser, responses io.ReadCloser, stdout, stderr io.Reader, pid int, logger *slog.Logger) *channel {
	return &channel{
		requests:  requests,
		responses: responses,
		stdout:    stdout,
		stderr:    stderr,
		pid:       pid,
		logger:    logger,
		events:    make(chan Event, eventBuffer),
		wake:      make(chan struct{}, 1),
		exited:    make(chan struct{}),
	}
}

// start launches the writer and reader loops.
func (c *channel) start() {
	go c.writeLoop()
	go c.readLoop()
}

func (c *channel) Send(req protocol.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pending = append(c.pending, req)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *channel) Events() <-chan Event { return c.events }
func (c *channel) Stdout() io.Reader    { return c.stdout }
func (c *channel) Stderr() io.Reader    { return c.stderr }
func (c *channel) Pid() int             { return c.pid }

func (c *channel) Signal(sig os.Signal) error {
	select {
	case <-c.exited:
		return ErrClosed
	default:
	}
	return c.signal(sig)
}

// exit records the unit's termination status. Only the first call counts.
func (c *channel) exit(status protocol.ExitStatus) {
	c.exitOnce.Do(func() {
		c.status = status
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		c.mu.Unlock()
		close(c.exited)
	})
}

func (c *channel) writeLoop() {
	defer c.requests.Close()
	for {
		select {
		case <-c.wake:
		case <-c.exited:
			return
		}

		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, req := range batch {
			if err := protocol.WriteMessage(c.requests, &req); err != nil {
				// The unit is gone or going; its exit is reported by readLoop.
				c.logger.Debug("write request", "type", req.Type, "error", err)
				return
			}
		}
	}
}

func (c *channel) readLoop() {
	defer close(c.events)
	for {
		var resp protocol.Response
		if err := protocol.ReadMessage(c.responses, &resp); err != nil {
			c.logger.Debug("response stream ended", "error", err)
			break
		}
		c.events <- Event{Response: &resp}
	}
	c.responses.Close()

	<-c.exited
	status := c.status
	c.events <- Event{Exit: &status}
}
