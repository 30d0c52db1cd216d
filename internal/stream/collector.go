package stream

import (
	"context"
	"strings"
	"sync"

	"github.com/agentlink/agentlink/internal/protocol"
)

// Result is the outcome of one task exchange.
type Result struct {
	Response string  // Accumulated or complete response text
	ErrText  string  // Backend failure text, empty on success
	Elapsed  float64 // Task duration in seconds, from the finished marker
}

// Failed reports whether the backend signalled an error for this task.
func (r Result) Failed() bool {
	return r.ErrText != ""
}

// Collector accumulates one task's envelope sequence. Feed it through
// Handle (typically via Manager.OnMessage) and read the outcome with Wait
// or Result. Response exposes the partial text for progressive rendering.
//
// A Collector is single-use: create a fresh one per task.
type Collector struct {
	mu       sync.Mutex
	buf      strings.Builder
	errText  string
	elapsed  float64
	started  bool
	finished bool

	done chan struct{}
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{done: make(chan struct{})}
}

// Handle consumes one envelope. Messages after the finished marker are
// ignored.
func (c *Collector) Handle(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return
	}

	switch msg.Status {
	case protocol.StatusProcessing:
		c.started = true

	case protocol.StatusChunk:
		c.buf.WriteString(msg.Data)

	case protocol.StatusComplete:
		// A complete envelope carries the whole response.
		c.buf.Reset()
		c.buf.WriteString(msg.Data)

	case protocol.StatusError:
		c.errText = msg.Note

	case protocol.StatusFinished:
		c.elapsed = msg.Elapsed
		c.finished = true
		close(c.done)
	}
}

// Started reports whether the backend acknowledged the task.
func (c *Collector) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Response returns the text accumulated so far.
func (c *Collector) Response() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Done is closed when the finished marker arrives.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome collected so far. Complete once Done is
// closed.
func (c *Collector) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{
		Response: c.buf.String(),
		ErrText:  c.errText,
		Elapsed:  c.elapsed,
	}
}

// Wait blocks until the task finishes or ctx expires.
func (c *Collector) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.Result(), nil
	case <-ctx.Done():
		return c.Result(), ctx.Err()
	}
}
