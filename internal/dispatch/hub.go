// Package dispatch delivers entry credentials to promoted users, either by
// pushing them over a live connection or by storing them for the next poll.
package dispatch

import (
	"errors"
	"sync"

	"github.com/omegafrog/ticketon-queue/internal/model"
)

// ErrClosed is returned by a Conn that has already been torn down.
var ErrClosed = errors.New("connection closed")

// Conn is a live push connection to one user. Implementations serialise
// their own writes.
type Conn interface {
	Send(model.Frame) error
	// Heartbeat writes a frame that carries no data.
	Heartbeat() error
	Close() error
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}

// Binding is a connection and the event it was opened for.
type Binding struct {
	UserID    string
	EventID   string
	Conn      Conn
	Delivered bool
}

type slot struct {
	Binding
	inProgress bool
}

// Hub tracks the live connections held by this instance.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*slot
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*slot)}
}

// Register binds conn to the user, returning the connection it replaced.
func (h *Hub) Register(userID, eventID string, conn Conn) Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var prev Conn
	if s, ok := h.conns[userID]; ok {
		prev = s.Conn
	}
	h.conns[userID] = &slot{Binding: Binding{UserID: userID, EventID: eventID, Conn: conn}}
	return prev
}

// Get returns the user's binding.
func (h *Hub) Get(userID string) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.conns[userID]
	if !ok {
		return Binding{}, false
	}
	return s.Binding, true
}

// Claim returns the user's binding and, when it is bound to eventID, marks
// a credential delivery in progress on it. Lookup and mark happen under one
// lock so a reconnect cannot slip between them.
func (h *Hub) Claim(userID, eventID string) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.conns[userID]
	if !ok {
		return Binding{}, false
	}
	if s.EventID == eventID {
		s.inProgress = true
	}
	return s.Binding, true
}

// Delivered records that conn received its credential. It returns false
// when conn is no longer the user's connection.
func (h *Hub) Delivered(userID string, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.conns[userID]
	if !ok || s.Conn != conn {
		return false
	}
	s.inProgress = false
	s.Delivered = true
	return true
}

// Replaced reports whether the user is now bound to a connection other
// than conn.
func (h *Hub) Replaced(userID string, conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.conns[userID]
	return ok && s.Conn != conn
}

// Remove unbinds conn if it is still the user's connection.
func (h *Hub) Remove(userID string, conn Conn) (Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.conns[userID]
	if !ok || s.Conn != conn {
		return Binding{}, false
	}
	delete(h.conns, userID)
	return s.Binding, true
}

// Waiting returns the bindings still waiting for promotion, grouped by event.
func (h *Hub) Waiting() map[string][]Binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]Binding)
	for _, s := range h.conns {
		if s.inProgress || s.Delivered {
			continue
		}
		out[s.EventID] = append(out[s.EventID], s.Binding)
	}
	return out
}

// All returns every binding.
func (h *Hub) All() []Binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Binding, 0, len(h.conns))
	for _, s := range h.conns {
		out = append(out, s.Binding)
	}
	return out
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
