package dispatch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// SSEConn is a Server-Sent Events stream.
type SSEConn struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
	done   chan struct{}
}

// NewSSEConn writes the event-stream headers and flushes them.
func NewSSEConn(w http.ResponseWriter) (*SSEConn, error) {
	rc := http.NewResponseController(w)
	// Long-lived stream; the server write timeout would cut it.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("flush event stream: %w", err)
	}
	return &SSEConn{w: w, rc: rc, done: make(chan struct{})}, nil
}

// Send writes one data frame.
func (c *SSEConn) Send(f model.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.write("event: queue\ndata: " + string(data) + "\n\n")
}

// Heartbeat writes a comment frame.
func (c *SSEConn) Heartbeat() error {
	return c.write(": ping\n\n")
}

func (c *SSEConn) write(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprint(c.w, s); err != nil {
		return err
	}
	return c.rc.Flush()
}

// Close stops further writes. The HTTP handler owns the response and ends it.
func (c *SSEConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Done is closed after Close.
func (c *SSEConn) Done() <-chan struct{} {
	return c.done
}
